// Command fakesensor writes SDS011 measurement frames to stdout, for driving
// "littleserver sensor --device" without the hardware.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/raphadam/littleserver/proto"
	"github.com/raphadam/littleserver/sensor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	interval := flag.Duration("interval", time.Second, "time between frames")
	count := flag.Int("count", 0, "stop after this many frames, 0 never stops")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano, NoColor: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := proto.Reading{PM10: 20, PM25: 8}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for i := 0; *count == 0 || i < *count; i++ {
		r = walk(r)

		_, err := os.Stdout.Write(sensor.Encode(r))
		if err != nil {
			log.Fatal().Err(err).Msg("unable to write frame")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// walk moves each value by up to one µg/m³ and keeps PM2.5 below PM10.
func walk(r proto.Reading) proto.Reading {
	r.PM10 = max(0, r.PM10+rand.Float64()*2-1)
	r.PM25 = min(r.PM10, max(0, r.PM25+rand.Float64()*2-1))
	return r
}
