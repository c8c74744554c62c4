// Package mirrord is the entry point of the in-process interception layer.
// The injector loads it into the target before the program's own
// initialization runs, hands it the platform's binary-patching capability,
// and calls Run. From then on the target's network connections, name
// lookups, and configured file paths behave as if the process ran inside
// the remote environment.
package mirrord

import (
	"context"

	"go.uber.org/zap"

	"github.com/RustWorks/mirrord/config"
	"github.com/RustWorks/mirrord/pkg/core"
	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/utils"
	"github.com/RustWorks/mirrord/utils/log"
)

// Run brings the layer up inside the host process. cfgPath points at the
// policy file resolved by the external loader; empty means the built-in
// defaults (pure passthrough). The installer is the platform-specific
// patching mechanism provided by the injector.
//
// Run returns only after the layer is installed; the error is fatal to
// injection and the caller must not let the target continue with a
// partially-hooked libc.
func Run(ctx context.Context, cfgPath string, installer hooks.Installer) (*core.Layer, error) {
	logger, err := log.New()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		utils.LogError(logger, err, "failed to load layer configuration")
		return nil, err
	}
	if cfg.Debug {
		if debugLogger, lerr := log.ChangeLogLevel(zap.DebugLevel); lerr == nil {
			logger = debugLogger
		}
	}

	if ctx == nil {
		ctx = utils.NewCtx()
	}

	layer := core.New(logger, cfg)
	if err := layer.Start(ctx, installer); err != nil {
		utils.LogError(logger, err, "failed to start the interception layer")
		return nil, err
	}
	return layer, nil
}
