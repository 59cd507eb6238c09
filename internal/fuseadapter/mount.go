package fuseadapter

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dannysu/asymmetricfs/internal/mount"
)

// Options configures the kernel-facing FUSE mount.
type Options struct {
	// Mountpoint is the directory the filesystem is mounted at. It
	// must already exist.
	Mountpoint string

	// Mount is the façade driving every operation.
	Mount *mount.Mount

	// AllowOther permits other users, including root, to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse's own request/response tracing.
	Debug bool

	// Logger receives diagnostic messages. If nil, messages at Error
	// level are written as text to stderr.
	Logger *slog.Logger
}

// Serve mounts the filesystem at the configured mountpoint. The caller
// must call Unmount on the returned server when done.
func Serve(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Mount == nil {
		return nil, fmt.Errorf("mount façade is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	root := &node{m: options.Mount, logical: "/"}

	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "asymmetricfs",
			Name:       "asymmetricfs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("asymmetricfs mounted", "mountpoint", options.Mountpoint)
	return server, nil
}
