package relay

import (
	"context"
	"net"
	"sync"

	"sshfwd/util"
)

// bridge copies bytes between remote and local until either direction
// ends or ctx is cancelled, then closes both.  It returns the bytes
// written to each side and the first copy error that was not caused by
// the teardown itself.
func bridge(ctx context.Context, remote, local net.Conn) (toLocal, toRemote int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	record := func(e error) {
		if !util.IsHarmless(e) {
			errOnce.Do(func() { firstErr = e })
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, e := util.CopyBuffered(local, remote)
		toLocal = n
		if e == nil {
			util.CloseWrite(local) //nolint:errcheck
		}
		record(e)
		cancel()
	}()
	go func() {
		defer wg.Done()
		n, e := util.CopyBuffered(remote, local)
		toRemote = n
		if e == nil {
			util.CloseWrite(remote) //nolint:errcheck
		}
		record(e)
		cancel()
	}()

	<-ctx.Done()
	remote.Close()
	local.Close()
	wg.Wait()

	return toLocal, toRemote, firstErr
}
