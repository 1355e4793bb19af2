package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/raphadam/littleserver/proto"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Upload(ctx context.Context, r proto.Reading) error
}

type Meter struct {
	Source    io.Reader
	Publisher Publisher
	// CSV is an optional file pattern, see CSVPath.
	CSV      string
	Interval time.Duration
	// Duration stops the loop once elapsed. Zero runs until ctx is done.
	Duration time.Duration

	now func() time.Time
}

// Run reads, logs, uploads and records one reading per interval. Bad frames
// and failed uploads are logged and the loop goes on; a closed source ends it.
func (m *Meter) Run(ctx context.Context) error {
	now := m.now
	if now == nil {
		now = time.Now
	}

	if m.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Duration)
		defer cancel()
	}

	readings := m.read(ctx)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()

		case res, ok := <-readings:
			if !ok {
				return nil
			}
			if res.err != nil {
				return fmt.Errorf("unable to read sensor %w", res.err)
			}

			m.handle(ctx, now(), res.reading)
		}

		if m.Interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.Interval):
			}
		}
	}
}

func (m *Meter) handle(ctx context.Context, t time.Time, r proto.Reading) {
	log.Info().Msgf("PM10=%5.1f ug/m^3 PM2.5=%5.1f ug/m^3", r.PM10, r.PM25)

	if m.Publisher != nil {
		err := m.Publisher.Upload(ctx, r)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("unable to upload reading")
		}
	}

	if m.CSV != "" {
		err := AppendCSV(CSVPath(m.CSV, t), t, r)
		if err != nil {
			log.Error().Err(err).Msg("unable to record reading")
		}
	}
}

type readResult struct {
	reading proto.Reading
	err     error
}

// read decodes frames in the background as fast as the source delivers them
// and keeps only the newest result, so the loop always measures the latest
// frame however long it waits between readings. The goroutine exits once the
// source is closed or ctx is done.
func (m *Meter) read(ctx context.Context) <-chan readResult {
	out := make(chan readResult, 1)
	fr := NewReader(m.Source)

	go func() {
		defer close(out)

		for ctx.Err() == nil {
			r, err := fr.Next()
			if errors.Is(err, ErrHead) || errors.Is(err, ErrTail) || errors.Is(err, ErrChecksum) {
				log.Warn().Err(err).Msg("skipping bad frame")
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}

			latest(out, readResult{reading: r, err: err})

			if err != nil {
				return
			}
		}
	}()

	return out
}

// latest replaces whatever unread result out holds with res.
func latest(out chan readResult, res readResult) {
	for {
		select {
		case out <- res:
			return
		default:
		}

		select {
		case <-out:
		default:
		}
	}
}
