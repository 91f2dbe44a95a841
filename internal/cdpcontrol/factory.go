package cdpcontrol

import (
	"context"
	"log/slog"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// NewFactory returns a browser.Factory that gives every profile its own
// Chrome process and user data directory. With opts.CDPURL set, each profile
// gets its own connection to that shared browser instead.
func NewFactory(opts browser.Options) browser.Factory {
	return func(ctx context.Context, profile string) (browser.Session, error) {
		if opts.CDPURL != "" {
			return Dial(ctx, opts.CDPURL, nil)
		}

		dir, cleanup, err := opts.ProfileDataDir(profile)
		if err != nil {
			return nil, browser.SessionError("prepare profile "+profile, err)
		}

		l := browser.NewLauncher(browser.LaunchConfig{
			UserDataDir: dir,
			Headless:    opts.Headless,
			WindowSize:  opts.WindowSize,
			Output:      opts.Output,
		})
		if err := l.Launch(ctx); err != nil {
			cleanup()
			return nil, browser.SessionError("launch chrome for profile "+profile, err)
		}
		slog.Info("chrome launched", "profile", profile, "cdp_url", l.CDPURL(), "user_data_dir", dir)

		s, err := Dial(ctx, l.CDPURL(), l)
		if err != nil {
			l.Stop()
			cleanup()
			return nil, err
		}
		s.cleanup = cleanup
		return s, nil
	}
}
