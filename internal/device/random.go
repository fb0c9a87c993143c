package device

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"edgelamp/internal/core"
	"edgelamp/internal/ingest"
)

func init() {
	Register("random", func() Plugin { return &randomPlugin{} })
}

// randomPlugin produces one random reading per poll. It stands in for real
// sensor hardware on development appliances.
type randomPlugin struct {
	asset    string
	min, max float64
	interval time.Duration
	rng      *rand.Rand
}

func (p *randomPlugin) Info() Info {
	return Info{Name: "random", Version: "1.0.0", Mode: "poll", PollInterval: p.interval}
}

func (p *randomPlugin) Init(config map[string]string) error {
	p.asset = "random"
	p.min, p.max = 0, 100
	p.interval = time.Second
	if v := config["asset"]; v != "" {
		p.asset = v
	}
	if v := config["interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("random: bad interval %q", v)
		}
		p.interval = d
	}
	for key, dst := range map[string]*float64{"min": &p.min, "max": &p.max} {
		if v := config[key]; v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("random: bad %s %q", key, v)
			}
			*dst = f
		}
	}
	if p.max < p.min {
		return fmt.Errorf("random: max %v below min %v", p.max, p.min)
	}
	p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return nil
}

func (p *randomPlugin) Poll(ctx context.Context) ([]ingest.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value := p.min + p.rng.Float64()*(p.max-p.min)
	return []ingest.Reading{{
		Asset:     p.asset,
		Key:       core.NewID(),
		Timestamp: time.Now().UTC(),
		Values:    map[string]any{"value": value},
	}}, nil
}

func (p *randomPlugin) Shutdown() error { return nil }
