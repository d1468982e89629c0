package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

// scrollPause lets lazy-loaded content trigger between scroll steps.
const scrollPause = 100 * time.Millisecond

// scrollPage scrolls down one viewport per pass and returns to the top so
// the full-page screenshot starts at the origin.
func scrollPage(ctx context.Context, p *rod.Page, passes int) error {
	if passes <= 0 {
		return nil
	}

	res, err := p.Eval(`() => window.innerHeight`)
	if err != nil {
		return fmt.Errorf("failed to get viewport height: %w", err)
	}
	viewportHeight := res.Value.Int()

	for i := 0; i < passes; i++ {
		if err := p.Mouse.Scroll(0, float64(viewportHeight), 0); err != nil {
			return fmt.Errorf("scroll step %d failed: %w", i, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(scrollPause):
		}
	}

	if _, err := p.Eval(`() => window.scrollTo(0, 0)`); err != nil {
		return fmt.Errorf("failed to scroll back to top: %w", err)
	}
	return nil
}
