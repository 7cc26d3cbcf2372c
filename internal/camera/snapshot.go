package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/posture-guard/pkg/types"
)

// SnapshotDevice polls an IP camera still endpoint that answers GET with a
// single JPEG.
type SnapshotDevice struct {
	Config types.CameraConfig
	Client *http.Client
}

func (d *SnapshotDevice) interval() time.Duration {
	if d.Config.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(d.Config.FPS)
}

// Open starts polling and waits for the first still.
func (d *SnapshotDevice) Open(ctx context.Context) (Stream, error) {
	if d.Config.SnapshotURL == "" {
		return nil, fmt.Errorf("snapshot url is empty")
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &snapshotStream{
		frameSlot: newFrameSlot(),
		client:    client,
		url:       d.Config.SnapshotURL,
		interval:  d.interval(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(pollCtx)

	if err := s.waitFirst(ctx, s.done); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type snapshotStream struct {
	*frameSlot

	client   *http.Client
	url      string
	interval time.Duration

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *snapshotStream) Done() <-chan struct{} {
	return s.done
}

func (s *snapshotStream) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := s.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 || failures%30 == 0 {
				log.Warn("Snapshot fetch failed (%d): %v", failures, err)
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *snapshotStream) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return s.store(data)
}

func (s *snapshotStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
