package nic

import (
	"context"

	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/sp"
)

// countingPoster records every post in the metrics before handing it on.
type countingPoster struct {
	next sp.Poster
}

func (p countingPoster) Post(ctx context.Context, r sp.Ramrod) error {
	op := r.Opcode.String()
	if err := p.next.Post(ctx, r); err != nil {
		metrics.PostErrorsTotal.WithLabelValues(op).Inc()
		return err
	}
	metrics.PostsTotal.WithLabelValues(op).Inc()
	return nil
}
