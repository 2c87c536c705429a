package types

// Sample is one power statistics answer for a host, as returned by a
// metrics provider.
type Sample struct {
	// Min is the minimum observed power draw in watts over the provider's window.
	Min float64

	// Max is the maximum observed power draw in watts over the provider's window.
	Max float64

	// Flop is the compute throughput score reported alongside the power data.
	// Zero means the provider has no throughput figure for this host.
	Flop float64
}
