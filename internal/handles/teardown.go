package handles

import (
	"context"

	"github.com/23skdu/distknn/internal/device"
	apperrors "github.com/23skdu/distknn/internal/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// OpenAll opens one context per source device of hs from the device at.
// If any open fails, the contexts opened so far are torn down and the open
// error is returned.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func OpenAll(fabric *device.Fabric, at *device.Device, hs []device.IPCHandle, logger zerolog.Logger) ([]*Context, error) {
	groups := GroupByDevice(hs)
	ctxs := make([]*Context, 0, len(groups))
	for _, g := range groups {
		c := NewContext(g, logger)
		if err := c.Open(fabric, at); err != nil {
			if terr := Teardown(context.Background(), ctxs, logger); terr != nil {
				logger.Warn().Err(terr).Msg("Teardown after failed open reported errors")
			}
			return nil, err
		}
		ctxs = append(ctxs, c)
	}
	return ctxs, nil
}

// Infos concatenates the alloc infos of ctxs in context order.
func Infos(ctxs []*Context) []device.AllocInfo {
	var out []device.AllocInfo
	for _, c := range ctxs {
		out = append(out, c.Info()...)
	}
	return out
}

// CloseAll closes every context, logging failures with their source device.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func CloseAll(ctxs []*Context, logger zerolog.Logger) error {
	var errs error
	for _, c := range ctxs {
		if err := c.Close(); err != nil {
			logger.Error().Int("device", c.SourceDevice()).Err(err).Msg("Failed to close handle context")
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// JoinAll joins every context, logging failures with their source device.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func JoinAll(ctx context.Context, ctxs []*Context, logger zerolog.Logger) error {
	var errs error
	for _, c := range ctxs {
		if err := c.Join(ctx); err != nil {
			logger.Error().Int("device", c.SourceDevice()).Err(err).Msg("Failed to join handle context")
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Teardown closes every context, then joins every context. A failed close
// does not skip the join. All failures are returned as a single cleanup error.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func Teardown(ctx context.Context, ctxs []*Context, logger zerolog.Logger) error {
	errs := multierr.Append(CloseAll(ctxs, logger), JoinAll(ctx, ctxs, logger))
	if errs != nil {
		return apperrors.WrapCleanupError(errs, "Teardown", "handle teardown incomplete").
			WithContext("contexts", len(ctxs))
	}
	return nil
}
