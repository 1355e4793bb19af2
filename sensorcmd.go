package main

import (
	"github.com/raphadam/littleserver/sensor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type sensorOptions struct {
	config string
	device string
	csv    string
}

func newSensorCmd() *cobra.Command {
	opts := sensorOptions{}

	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Read a Nova SDS011 dust sensor and post every reading to the listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := sensor.LoadConfig(opts.config)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("device") {
				cfg.Device = opts.device
			}
			if cmd.Flags().Changed("csv") {
				cfg.CSV = opts.csv
			}

			dev, err := sensor.OpenDevice(cfg.Device)
			if err != nil {
				return err
			}
			defer dev.Close()

			url := cfg.Webservice.URL()
			log.Info().Str("device", cfg.Device).Str("url", url).Dur("for", cfg.Duration()).Msg("reading sensor")

			uploader := sensor.NewUploader(url, sensor.DefaultTimeout)
			uploader.MaxElapsed = cfg.Interval

			m := &sensor.Meter{
				Source:    dev,
				Publisher: uploader,
				CSV:       cfg.CSV,
				Interval:  cfg.Interval,
				Duration:  cfg.Duration(),
			}

			return ignoreCanceled(m.Run(cmd.Context()))
		},
	}

	cmd.Flags().StringVar(&opts.config, "config", "config.yaml", "sensor configuration file")
	cmd.Flags().StringVar(&opts.device, "device", sensor.DefaultDevice, "device file of the sensor, a USB serial adapter")
	cmd.Flags().StringVar(&opts.csv, "csv", "", "append readings to this csv file, {year} {month} {day} are expanded")

	return cmd
}
