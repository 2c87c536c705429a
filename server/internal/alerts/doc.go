// Package alerts implements threshold rules over host records and webhook
// delivery. Rules are evaluated whenever the ranking database adds or updates
// a host and periodically for age-based rules; removing a host resolves its
// alerts. Webhooks are delivered to Teams, Slack, or generic HTTP targets.
package alerts
