package builder

import (
	"context"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/gmbuild/gm/internal/info"
)

// Drive builds the requested top-level targets, concurrently when more than
// one worker is allowed. Each successful build is reported to the parent
// invocation by appending its event to depPath (the inherited GM_FILE), in
// completion order. The first error cancels the remaining work.
func Drive(ctx context.Context, b *Builder, dir, scriptPath string, targets []string, threads int, depPath string) error {
	one := func(ctx context.Context, target string) error {
		event, err := b.Build(ctx, Cmd{Dir: dir, Script: scriptPath, Target: target})
		if err != nil {
			return err
		}
		if depPath != "" {
			log.Debugf("Writing %s to parent %s", target, depPath)
			return info.Append(depPath, event)
		}
		return nil
	}

	if threads <= 1 || len(targets) <= 1 {
		for _, target := range targets {
			if err := one(ctx, target); err != nil {
				return err
			}
		}
		return nil
	}

	workers := threads
	if len(targets) < workers {
		workers = len(targets)
	}

	eg, gctx := errgroup.WithContext(ctx)
	work := make(chan string)
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for target := range work {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := one(gctx, target); err != nil {
					return err
				}
			}
			return nil
		})
	}
	go func() {
		defer close(work)
		for _, target := range targets {
			select {
			case work <- target:
			case <-gctx.Done():
				return
			}
		}
	}()
	return eg.Wait()
}
