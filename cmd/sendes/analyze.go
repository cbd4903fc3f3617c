package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/robproject/lre-sendes/pkg/analysis"
	"github.com/robproject/lre-sendes/pkg/pathing"
	"github.com/robproject/lre-sendes/pkg/plotting"
	"github.com/robproject/lre-sendes/pkg/result"
	"github.com/spf13/cobra"
)

var (
	constantsID int64
	plot        bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(windowCmd)

	resultCmd.Flags().Int64Var(&constantsID, "constants", 0, "constants id to use instead of the test's own")
	resultCmd.Flags().BoolVar(&plot, "plot", false, "also write the diagnostic images")
	rootCmd.AddCommand(resultCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <test-id>",
	Short: "Recompute the window statistics of a test",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var windowCmd = &cobra.Command{
	Use:   "window <test-id> <start> <finish>",
	Short: "Move the analysis window of a test and reanalyze it",
	Args:  cobra.ExactArgs(3),
	RunE:  runWindow,
}

var resultCmd = &cobra.Command{
	Use:   "result <test-id>",
	Short: "Compute the discharge coefficient of a test",
	Long: `Compute the discharge coefficient of a test and the share of its
variance each input contributes.

Examples:
  sendes result 3
  sendes result 3 --constants 2 --plot`,
	Args: cobra.ExactArgs(1),
	RunE: runResult,
}

func parseInts(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %q is not an integer", i+1, a)
		}
		out[i] = v
	}
	return out, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ids, err := parseInts(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	test, err := analysis.NewAnalyzer(a.store, a.logger).Analyze(ctx, ids[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "vp1=%s vp2=%s vdx=%s n=%d\n",
		test.Stats.VP1, test.Stats.VP2, test.Stats.VDX, test.Stats.N)
	return nil
}

func runWindow(cmd *cobra.Command, args []string) error {
	v, err := parseInts(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	test, err := analysis.NewAnalyzer(a.store, a.logger).SetWindow(ctx, v[0], int(v[1]), int(v[2]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "test %d window [%d, %d): vp1=%s vp2=%s vdx=%s\n",
		test.ID, test.WindowStart, test.WindowFinish, test.Stats.VP1, test.Stats.VP2, test.Stats.VDX)
	return nil
}

func runResult(cmd *cobra.Command, args []string) error {
	ids, err := parseInts(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	test, err := analysis.NewAnalyzer(a.store, a.logger).EnsureAnalyzed(ctx, ids[0])
	if err != nil {
		return err
	}
	cid := test.ConstantsID
	if constantsID != 0 {
		cid = constantsID
	}
	constants, err := a.store.GetConstants(ctx, cid)
	if err != nil {
		return err
	}
	res, err := result.Compute(test.Stats, test.ScanRateActual, *constants)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cd = %s (constants %d)\n\n", res.Cd, cid)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "variable\tvalue\tunit\t|dCd/dx|\tshare")
	for _, c := range res.Contributions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4g\t%.2f%%\n", c.Name, c.Value(), c.Unit, c.Derivative, 100*c.Fraction)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if plot {
		p := plotting.New(pathing.GetPlotDir(a.cfg.Paths.DataDir), a.logger)
		images, err := p.TestImages(test)
		if err != nil {
			return err
		}
		image, err := p.ResultImage(test, cid, res)
		if err != nil {
			return err
		}
		for _, path := range append(images, image) {
			fmt.Fprintln(out, path)
		}
	}
	return nil
}
