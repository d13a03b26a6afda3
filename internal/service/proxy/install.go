package proxy

import (
	"context"
	"fmt"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

// FileInstaller writes proxy configuration files onto the server.
type FileInstaller struct {
	exec          remote.Executor
	dir           string
	containerName string
	redirectURL   string
}

// NewFileInstaller constructs a FileInstaller. redirectURL is where unknown
// hosts are sent; empty means a plain 404.
func NewFileInstaller(exec remote.Executor, dir, containerName, redirectURL string) *FileInstaller {
	return &FileInstaller{exec: exec, dir: dir, containerName: containerName, redirectURL: redirectURL}
}

type traefikDynamic struct {
	HTTP traefikHTTP `yaml:"http"`
}

type traefikHTTP struct {
	Routers     map[string]traefikRouter     `yaml:"routers"`
	Services    map[string]traefikService    `yaml:"services"`
	Middlewares map[string]traefikMiddleware `yaml:"middlewares,omitempty"`
}

type traefikRouter struct {
	EntryPoints []string `yaml:"entryPoints"`
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	Priority    int      `yaml:"priority"`
	Middlewares []string `yaml:"middlewares,omitempty"`
}

type traefikService struct {
	LoadBalancer struct {
		Servers []map[string]string `yaml:"servers"`
	} `yaml:"loadBalancer"`
}

type traefikMiddleware struct {
	RedirectRegex *traefikRedirect `yaml:"redirectRegex,omitempty"`
}

type traefikRedirect struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
	Permanent   bool   `yaml:"permanent"`
}

// DefaultRedirect renders the traefik catch-all router.
func DefaultRedirect(redirectURL string) ([]byte, error) {
	noop := traefikService{}
	noop.LoadBalancer.Servers = []map[string]string{{"url": ""}}
	router := traefikRouter{
		EntryPoints: []string{"http", "https"},
		Rule:        "HostRegexp(`.+`)",
		Service:     "noop",
		Priority:    1,
	}
	cfg := traefikDynamic{HTTP: traefikHTTP{
		Routers:  map[string]traefikRouter{},
		Services: map[string]traefikService{"noop": noop},
	}}
	if redirectURL != "" {
		router.Middlewares = []string{"redirect-regexp"}
		cfg.HTTP.Middlewares = map[string]traefikMiddleware{
			"redirect-regexp": {RedirectRegex: &traefikRedirect{Regex: "(.*)", Replacement: redirectURL}},
		}
	}
	cfg.HTTP.Routers["catchall"] = router
	return yaml.Marshal(cfg)
}

func defaultCaddyfile(redirectURL string) []byte {
	body := "\trespond 404\n"
	if redirectURL != "" {
		body = fmt.Sprintf("\tredir %s\n", redirectURL)
	}
	return []byte("{\n\tadmin localhost:2019\n}\n\nimport /config/dynamic/*.caddy\n\n:80 {\n" + body + "}\n")
}

// Install writes the default redirect and dynamic configuration for the proxy type.
func (i *FileInstaller) Install(ctx context.Context, server domain.Server, state domain.ProxyState) error {
	b := remote.NewBuilder()
	dynamic := path.Join(i.dir, "dynamic")
	b.Run("prepare dynamic configuration", "mkdir", "-p", b.Path(dynamic)).Hidden()
	switch state.Type {
	case domain.ProxyTypeCaddy:
		b.WriteFile("write default configuration", "", path.Join(i.dir, "Caddyfile"), defaultCaddyfile(i.redirectURL))
		b.Run("reload proxy", "docker", "exec", b.Name(i.containerName), "caddy", "reload", "--config", "/config/Caddyfile", "--adapter", "caddyfile").IgnoreFailure()
	default:
		raw, err := DefaultRedirect(i.redirectURL)
		if err != nil {
			return err
		}
		b.WriteFile("write default redirect", "", path.Join(dynamic, "default_redirect_404.yaml"), raw)
	}
	steps, err := b.Steps()
	if err != nil {
		return err
	}
	_, err = i.exec.Run(ctx, server, steps, remote.Options{ThrowOnError: true})
	return err
}

var _ ConfigInstaller = (*FileInstaller)(nil)
