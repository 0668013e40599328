package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"tethercam/internal/app"
	"tethercam/internal/services"
	"tethercam/internal/services/events"
	"tethercam/internal/services/stacking"
)

type stackOptions struct {
	Mode      string
	Far       int
	Step      int
	Photos    int
	Direction int
	Size      string
	Wait      int
	Preview   bool
}

var stackOpts stackOptions

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Run one focus stacking session without the web interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStack(cmd.Context(), stackOpts)
	},
}

func init() {
	stackCmd.Flags().StringVar(&stackOpts.Mode, "mode", "range", "Stacking mode: range or increment")
	stackCmd.Flags().IntVar(&stackOpts.Far, "far", 500, "Range mode: focus steps from the current position to the far point")
	stackCmd.Flags().IntVar(&stackOpts.Step, "step", 0, "Range mode: focus steps per photo")
	stackCmd.Flags().IntVar(&stackOpts.Photos, "photos", 10, "Photo count (range mode derives the step from it when --step is 0)")
	stackCmd.Flags().IntVar(&stackOpts.Direction, "direction", 1, "Increment mode: 1 moves far, -1 moves near")
	stackCmd.Flags().StringVar(&stackOpts.Size, "size", "small", "Increment mode step size: small, medium or large")
	stackCmd.Flags().IntVar(&stackOpts.Wait, "wait", 0, "Live view ticks to wait before each step")
	stackCmd.Flags().BoolVar(&stackOpts.Preview, "preview", false, "Move focus without capturing")
}

func runStack(ctx context.Context, opts stackOptions) error {
	mode, err := stacking.ParseMode(opts.Mode)
	if err != nil {
		return err
	}
	size, err := stacking.ParseStepSize(opts.Size)
	if err != nil {
		return err
	}

	application, err := app.NewApp(cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		application.Wait()
	}()
	if err := application.Start(runCtx); err != nil {
		return err
	}
	engine := application.Engine()

	req := stacking.Request{Mode: mode, Preview: opts.Preview, WaitTicks: opts.Wait}
	target := opts.Photos
	if mode == stacking.ModeRange {
		if target, err = planRange(runCtx, engine, opts); err != nil {
			return err
		}
	} else {
		req.Direction = opts.Direction
		req.StepSize = size
		req.PhotoCount = opts.Photos
	}

	ch, err := engine.Bus().Subscribe("stack-cli", 16, events.StackingProgress, events.StackingFinished)
	if err != nil {
		return err
	}
	id, err := engine.StartStacking(req)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(target,
		progressbar.OptionSetDescription(fmt.Sprintf("Stacking %s", mode)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	for {
		select {
		case <-ctx.Done():
			engine.StopStacking()
			<-engine.StackingDone()
			_ = bar.Exit()
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("event bus closed before stacking %s finished", id)
			}
			if ev.ID != id {
				continue
			}
			switch ev.Type {
			case events.StackingProgress:
				_ = bar.Set(ev.Count)
			case events.StackingFinished:
				_ = bar.Finish()
				fmt.Fprintf(os.Stderr, "\n%s: %d photo(s), focus at %d\n", ev.Message, ev.Count, ev.Counter)
				return nil
			}
		}
	}
}

// planRange locks the current position as the near point, walks to the far
// point and locks it. It returns the planned photo count.
func planRange(ctx context.Context, engine *services.Engine, opts stackOptions) (int, error) {
	if opts.Far <= 0 {
		return 0, fmt.Errorf("--far must be positive")
	}
	engine.UnlockNear()
	engine.UnlockFar()
	engine.LockNear()
	if _, err := engine.MoveFocus(ctx, opts.Far); err != nil {
		return 0, fmt.Errorf("failed to reach the far point: %w", err)
	}
	engine.LockFar()

	snap := engine.Focus()
	if opts.Step > 0 {
		snap = engine.SetStepSize(opts.Step)
	} else if opts.Photos > 0 {
		snap = engine.SetPhotoCount(opts.Photos)
	}
	return snap.PhotoCount, nil
}
