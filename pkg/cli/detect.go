package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

type detectFlags struct {
	zScore            float64
	baselineWindow    int
	minBaselinePoints int
	spikePercentage   float64
	minDuration       time.Duration
	minPoints         int
	peerWindow        time.Duration
	peerThreshold     float64
	maxGap            time.Duration
}

// overrides returns only the flags that were set on the command line.
func (f *detectFlags) overrides(flags *pflag.FlagSet) *detect.Overrides {
	overrides := &detect.Overrides{}

	if flags.Changed("z-score") {
		overrides.ZScoreThreshold = utils.PtrTo(f.zScore)
	}
	if flags.Changed("baseline-window") {
		overrides.BaselineWindow = utils.PtrTo(f.baselineWindow)
	}
	if flags.Changed("min-baseline-points") {
		overrides.MinBaselinePoints = utils.PtrTo(f.minBaselinePoints)
	}
	if flags.Changed("spike-percentage") {
		overrides.SpikePercentage = utils.PtrTo(f.spikePercentage)
	}
	if flags.Changed("min-duration") {
		overrides.MinDuration = &config.Duration{Duration: f.minDuration}
	}
	if flags.Changed("min-points") {
		overrides.MinPoints = utils.PtrTo(f.minPoints)
	}
	if flags.Changed("peer-window") {
		overrides.PeerWindow = &config.Duration{Duration: f.peerWindow}
	}
	if flags.Changed("peer-threshold") {
		overrides.PeerThreshold = utils.PtrTo(f.peerThreshold)
	}
	if flags.Changed("max-gap") {
		overrides.MaxGap = &config.Duration{Duration: f.maxGap}
	}

	return overrides
}

func detectCommand(opts *options) *cobra.Command {
	flags := &detectFlags{}

	cmd := &cobra.Command{
		Use:   "detect [readings.csv]",
		Short: "Detect anomaly candidates in a CSV file",
		Long: "Run the detector over meter_id,line,timestamp,value rows and print the " +
			"candidate windows as JSON. Reads stdin when no file is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := detect.FromSettings(opts.config.Detection).Apply(flags.overrides(cmd.Flags()))
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid detection config: %w", err)
			}

			input := cmd.InOrStdin()

			if len(args) == 1 {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open readings: %w", err)
				}
				defer file.Close()

				input = file
			}

			points, err := detect.ParseCSV(input)
			if err != nil {
				return fmt.Errorf("failed to parse readings: %w", err)
			}

			result, err := detect.Detect(points, cfg)
			if err != nil {
				return err
			}

			logrus.Debugf("Detected %d candidates in %d readings", len(result.Candidates), result.Points)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")

			return encoder.Encode(entities.DetectionPreview{Config: cfg, Result: result})
		},
	}

	cmd.Flags().Float64Var(&flags.zScore, "z-score", 0, "Minimum z-score against the trailing baseline")
	cmd.Flags().IntVar(&flags.baselineWindow, "baseline-window", 0, "Readings forming the baseline")
	cmd.Flags().IntVar(&flags.minBaselinePoints, "min-baseline-points", 0, "Readings required before scoring")
	cmd.Flags().Float64Var(&flags.spikePercentage, "spike-percentage", 0, "Required rise over the baseline mean")
	cmd.Flags().DurationVar(&flags.minDuration, "min-duration", 0, "Minimum event duration")
	cmd.Flags().IntVar(&flags.minPoints, "min-points", 0, "Minimum flagged readings per event")
	cmd.Flags().DurationVar(&flags.peerWindow, "peer-window", 0, "Peer comparison window, 0 disables")
	cmd.Flags().Float64Var(&flags.peerThreshold, "peer-threshold", 0, "Required rise over the peer median")
	cmd.Flags().DurationVar(&flags.maxGap, "max-gap", 0, "Largest gap merged into one event")

	return cmd
}
