package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeHashes struct {
	data map[string]map[string]string
	err  error
	keys []string
}

func (f *fakeHashes) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return redis.NewMapStringStringResult(nil, f.err)
	}
	h := f.data[key]
	if h == nil {
		h = map[string]string{}
	}
	return redis.NewMapStringStringResult(h, nil)
}

func TestRedis_FetchPowerStats(t *testing.T) {
	db := &fakeHashes{data: map[string]map[string]string{
		"kwranking:power:node-a": {"min": "35.5", "max": "120", "flop": "3.25"},
	}}
	p := &redisProvider{db: db, prefix: "kwranking:power"}

	s, err := p.FetchPowerStats(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("FetchPowerStats: %v", err)
	}
	if s == nil || s.Min != 35.5 || s.Max != 120 || s.Flop != 3.25 {
		t.Fatalf("sample = %+v", s)
	}
	if len(db.keys) != 1 || db.keys[0] != "kwranking:power:node-a" {
		t.Errorf("keys read = %v", db.keys)
	}
}

func TestRedis_EmptyHashIsNoData(t *testing.T) {
	p := &redisProvider{db: &fakeHashes{}, prefix: "p"}
	s, err := p.FetchPowerStats(context.Background(), "ghost")
	if err != nil || s != nil {
		t.Errorf("got (%+v, %v), want (nil, nil)", s, err)
	}
}

func TestRedis_ErrorIsUnavailable(t *testing.T) {
	p := &redisProvider{db: &fakeHashes{err: errors.New("dial tcp: refused")}, prefix: "p"}
	_, err := p.FetchPowerStats(context.Background(), "h")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestSampleFromHash(t *testing.T) {
	cases := []struct {
		name    string
		fields  map[string]string
		want    bool
		wantErr bool
	}{
		{"min and max", map[string]string{"min": "1", "max": "2"}, true, false},
		{"missing max", map[string]string{"min": "1"}, false, false},
		{"bad min", map[string]string{"min": "x", "max": "2"}, false, true},
		{"bad flop", map[string]string{"min": "1", "max": "2", "flop": "?"}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := sampleFromHash("k", tc.fields)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if (s != nil) != tc.want {
				t.Errorf("sample = %+v, want present=%v", s, tc.want)
			}
		})
	}
}
