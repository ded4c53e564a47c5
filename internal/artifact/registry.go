package artifact

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
)

// Options carries what drivers may need to construct a Backend.
type Options struct {
	Root  string
	Redis *redisstore.Client
}

type Factory func(o Options) (Backend, error)

var drivers = map[string]Factory{}

func Register(name string, f Factory) {
	drivers[strings.ToLower(name)] = f
}

// Open builds the Backend registered under driver and wraps it in a Store.
func Open(driver string, o Options, log *slog.Logger) (*Store, error) {
	f, ok := drivers[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return nil, fmt.Errorf("unknown artifact driver %q (registered: %s)", driver, strings.Join(Drivers(), ", "))
	}
	b, err := f(o)
	if err != nil {
		return nil, fmt.Errorf("artifact driver %q: %w", driver, err)
	}
	return NewStore(b, log), nil
}

func Drivers() []string {
	out := make([]string, 0, len(drivers))
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
