package download

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/digest"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

// fetched is one block's decrypted (and, if it carried a detached
// signature, verification-checked) cleartext, handed from a fetch worker
// to the ordered consumer.
type fetched struct {
	index int
	data  []byte
}

// WriteToStream implements §4.G writeToStream: fetches every block in
// order, decrypts and verifies each, writes cleartext to sink, and gates
// completion on the running SHA-1 matching the revision's claimed
// digest (when one was present in extended attributes; without one the
// SHA-1 comparison is skipped). A mismatch is never silently accepted;
// callers that want a best-effort read of corrupt or
// unverifiable content use UnsafeWriteToStream instead.
func (d *FileDownloader) WriteToStream(ctx context.Context, sink io.Writer) (*DownloadController, error) {
	return d.start(ctx, sink, false)
}

// UnsafeWriteToStream implements §4.G's pass-bad-blocks debug mode,
// adapted from backend/crypt's pass_bad_blocks option: a block that
// fails authentication is replaced with a same-sized run of zero bytes
// instead of aborting the transfer, so the stream still produces
// GetClaimedSizeInBytes() bytes even when some of them are unrecoverable.
// Completion still reports the integrity mismatch; callers opted into
// this path accept that the delivered bytes may not be genuine.
func (d *FileDownloader) UnsafeWriteToStream(ctx context.Context, sink io.Writer) (*DownloadController, error) {
	return d.start(ctx, sink, true)
}

func (d *FileDownloader) start(ctx context.Context, sink io.Writer, unsafe bool) (*DownloadController, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ctrl := newController(cancel)

	blocks, err := d.svc.api.GetRevisionBlocks(ctx, d.revisionUid)
	if err != nil {
		cancel()
		ctrl.finish(err)
		return ctrl, err
	}

	if !d.svc.limiter.acquire(runCtx.Done()) {
		cancel()
		err := driveerrors.New(driveerrors.Abort, "download cancelled waiting for a slot", nil)
		ctrl.finish(err)
		return ctrl, err
	}

	go func() {
		defer d.svc.limiter.release()
		defer cancel()
		err := normalizeContextErr(runCtx, d.run(runCtx, ctrl, blocks, sink, unsafe))
		d.recordTelemetry(context.Background(), err)
		ctrl.finish(err)
	}()

	return ctrl, nil
}

func (d *FileDownloader) run(ctx context.Context, ctrl *DownloadController, blocks []Block, sink io.Writer, unsafe bool) error {
	concurrency := d.svc.concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make(chan fetched, concurrency)
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)
	feederDone := make(chan struct{})

	// The feeder runs outside the errgroup so closing results can wait
	// for every worker it spawns to finish, not just for the feeder loop
	// to finish issuing g.Go calls.
	go func() {
		defer close(feederDone)
		for _, blk := range blocks {
			blk := blk
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return
			}
			if err := ctrl.gate.wait(gctx); err != nil {
				<-sem
				return
			}
			g.Go(func() error {
				defer func() { <-sem }()
				data, err := d.fetchDecryptBlock(gctx, blk)
				if err != nil {
					if unsafe {
						data = make([]byte, blk.Size)
						err = nil
					} else {
						return err
					}
				}
				select {
				case results <- fetched{index: blk.Index, data: data}:
				case <-gctx.Done():
					return gctx.Err()
				}
				return nil
			})
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		<-feederDone
		waitErr <- g.Wait()
		close(results)
	}()

	acc := digest.NewAccumulator()
	consumeErr := consumeInOrder(results, func(data []byte) error {
		if _, err := acc.Write(data); err != nil {
			return err
		}
		_, err := sink.Write(data)
		return err
	})

	// Recorded on every path, success or failure, so telemetry always
	// reflects exactly what reached sink even when the transfer aborts
	// partway through.
	d.downloadedSize = acc.BytesWritten()

	if err := <-waitErr; err != nil {
		return err
	}
	if consumeErr != nil {
		return consumeErr
	}

	return d.checkIntegrity(acc)
}

// consumeInOrder drains results, reassembling blocks delivered in
// completion order back into index order before calling write, the same
// bounded-reorder-buffer idiom as MapUnordered's callers elsewhere in
// the SDK use when output order matters.
func consumeInOrder(results <-chan fetched, write func([]byte) error) error {
	pending := make(map[int][]byte)
	next := 0
	for r := range results {
		pending[r.index] = r.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if err := write(data); err != nil {
				return err
			}
			next++
		}
	}
	return nil
}

func (d *FileDownloader) fetchDecryptBlock(ctx context.Context, blk Block) ([]byte, error) {
	body, err := d.svc.api.FetchBlock(ctx, blk)
	if err != nil {
		return nil, err
	}
	ciphertext, err := io.ReadAll(body)
	closeErr := body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	cleartext, err := d.svc.cipher.DecryptBlock(d.sessionKey, ciphertext)
	if err != nil {
		return nil, err
	}

	if len(blk.EncryptedSignature) > 0 {
		status, err := d.svc.cipher.DecryptAndVerifyDetached(ctx, cleartext, blk.EncryptedSignature, d.sessionKey, d.authorKeys)
		if err != nil {
			return nil, err
		}
		if status != drivecrypto.SignedAndValid {
			return nil, driveerrors.Newf(driveerrors.Verification, nil, "block %d signature not valid", blk.Index)
		}
	}

	return cleartext, nil
}

// normalizeContextErr maps a raw context cancellation/deadline surfacing
// out of the fetch/decrypt pipeline to the SDK's Abort/Timeout error
// kinds, so callers downstream of WriteToStream (including telemetry)
// never have to special-case context.Canceled/DeadlineExceeded directly.
func normalizeContextErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := driveerrors.KindOf(err); ok {
		return err
	}
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return driveerrors.New(driveerrors.Timeout, "download context deadline exceeded", err)
		}
		return driveerrors.New(driveerrors.Abort, "download cancelled", err)
	default:
		return err
	}
}

// checkIntegrity implements the §4.G integrity gate: the running digest
// over everything written to sink MUST match the revision's claimed
// SHA-1, when one was present. A claimed digest is untrusted metadata
// until this comparison passes, per §3's Digests doc comment.
func (d *FileDownloader) checkIntegrity(acc *digest.Accumulator) error {
	if d.claimedSize != nil && *d.claimedSize != acc.BytesWritten() {
		return driveerrors.Newf(driveerrors.Integrity, nil, "downloaded %d bytes, claimed size was %d", acc.BytesWritten(), *d.claimedSize)
	}
	if d.claimedDigests != nil && d.claimedDigests.Sha1 != "" {
		got := acc.SumHex()
		if got != d.claimedDigests.Sha1 {
			return driveerrors.Newf(driveerrors.Integrity, nil, "downloaded content sha1 %s does not match claimed %s", got, d.claimedDigests.Sha1)
		}
	}
	return nil
}

func (d *FileDownloader) recordTelemetry(ctx context.Context, err error) {
	if err != nil {
		if driveerrors.Is(err, driveerrors.Abort) || driveerrors.Is(err, driveerrors.Validation) {
			return
		}
	}
	fields := map[string]any{
		"context":        d.metricContext,
		"downloadedSize": d.downloadedSize,
	}
	if d.claimedSize != nil {
		fields["claimedFileSize"] = *d.claimedSize
	}
	if err != nil {
		fields["error"] = driveerrors.AsTelemetryErrorKind(err)
	}
	d.svc.telemetry.RecordEvent("download", fields)
}
