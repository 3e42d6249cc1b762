// Package procmon samples the resident memory of a process tree and kills
// whole trees when a measurement has to be aborted.
package procmon

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrProcessGone is returned when the root of a tree no longer exists.
var ErrProcessGone = errors.New("process gone")

// MemoryReader reports the combined resident memory of a process and all
// of its current descendants.
type MemoryReader interface {
	TreeRSS(ctx context.Context, pid int) (uint64, error)
}

// TreeKiller terminates a process together with every descendant.
type TreeKiller interface {
	KillTree(ctx context.Context, pid int) error
}

// ProcessTree implements MemoryReader and TreeKiller on top of gopsutil.
type ProcessTree struct{}

// TreeRSS sums the RSS of pid and its descendants. Descendants that exit
// between discovery and reading are ignored.
func (ProcessTree) TreeRSS(ctx context.Context, pid int) (uint64, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, fmt.Errorf("%w: pid %d: %v", ErrProcessGone, pid, err)
	}

	mem, err := root.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: pid %d: %v", ErrProcessGone, pid, err)
	}

	total := mem.RSS

	for _, child := range descendants(ctx, root) {
		cm, err := child.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}

		total += cm.RSS
	}

	return total, nil
}

// KillTree kills the descendants of pid first and pid last. A root that
// has already exited is not an error.
func (ProcessTree) KillTree(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}

	var errs []error

	for _, child := range descendants(ctx, root) {
		if err := child.KillWithContext(ctx); err != nil && stillRunning(ctx, child) {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", child.Pid, err))
		}
	}

	if err := root.KillWithContext(ctx); err != nil && stillRunning(ctx, root) {
		errs = append(errs, fmt.Errorf("kill pid %d: %w", pid, err))
	}

	return errors.Join(errs...)
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}

	all := make([]*process.Process, 0, len(children))
	for _, c := range children {
		all = append(all, c)
		all = append(all, descendants(ctx, c)...)
	}

	return all
}

func stillRunning(ctx context.Context, p *process.Process) bool {
	ok, err := p.IsRunningWithContext(ctx)

	return err == nil && ok
}
