package caddy

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/kolkata-maps/tilepack/tilepack"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// packages holds one store, checker and pipeline per package path for the whole process, so
// handlers sharing a root and configs overlapping during a reload share the busy gate and the
// database handle.
var packages = caddy.NewUsagePool()

type packageState struct {
	store    *tilepack.DirStore
	checker  *tilepack.Checker
	pipeline *tilepack.Pipeline
}

// Destruct runs when the last handler using the package is cleaned up.
func (s *packageState) Destruct() error {
	s.pipeline.Cancel()
	return s.checker.Release()
}

func packageKey(root, name string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.Join(abs, name), nil
}

// acquirePackage returns the shared state for key, building it on first use. Every successful
// call must be paired with packages.Delete(key).
func acquirePackage(key, root, name string, logger *zap.Logger) (*packageState, error) {
	value, _, err := packages.LoadOrNew(key, func() (caddy.Destructor, error) {
		store, err := tilepack.NewDirStore(root)
		if err != nil {
			return nil, err
		}
		checker := tilepack.NewChecker(store, name, tilepack.OpenSQLite, logger)
		pipeline := tilepack.NewPipeline(store, tilepack.NewSourceTransfer(http.DefaultClient, store), checker, tilepack.Config{
			PackageName: name,
			Logger:      logger,
		})
		return &packageState{store: store, checker: checker, pipeline: pipeline}, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*packageState), nil
}

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("tilepack", parseCaddyfile)
}

// Middleware exposes the offline package control API (status, fetch, cancel, delete, region) inside Caddy.
type Middleware struct {
	Root        string `json:"root"`
	PackageName string `json:"package_name"`
	Source      string `json:"source"`
	Cors        string `json:"cors"`
	logger      *zap.Logger
	key         string
	handler     http.Handler
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.tilepack",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	if m.PackageName == "" {
		m.PackageName = tilepack.DefaultPackageName
	}
	if m.Root == "" {
		return fmt.Errorf("no root")
	}
	key, err := packageKey(m.Root, m.PackageName)
	if err != nil {
		return err
	}
	state, err := acquirePackage(key, m.Root, m.PackageName, m.logger)
	if err != nil {
		return err
	}
	m.key = key
	m.handler = tilepack.NewHandler(tilepack.HandlerConfig{
		Store:         state.store,
		Pipeline:      state.pipeline,
		Checker:       state.checker,
		Region:        tilepack.Kolkata,
		DefaultSource: m.Source,
		CORS:          m.Cors,
		Logger:        m.logger,
	})
	return nil
}

func (m *Middleware) Validate() error {
	if m.handler == nil {
		return fmt.Errorf("not provisioned")
	}
	return nil
}

// Cleanup drops this handler's use of the shared package. The last user stops an active
// download and closes the package handle.
func (m *Middleware) Cleanup() error {
	if m.key == "" {
		return nil
	}
	_, err := packages.Delete(m.key)
	m.key = ""
	return err
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	m.handler.ServeHTTP(w, r)
	m.logger.Info("response", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "root":
				if !d.Args(&m.Root) {
					return d.ArgErr()
				}
			case "package_name":
				if !d.Args(&m.PackageName) {
					return d.ArgErr()
				}
			case "source":
				if !d.Args(&m.Source) {
					return d.ArgErr()
				}
			case "cors":
				if !d.Args(&m.Cors) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
