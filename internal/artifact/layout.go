package artifact

import (
	"path"
	"strings"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

// Layout maps resources onto artifact locations:
//
//	<export>/<item>_<layer>/<fingerprint>/<name>.<ext>
//	<export>/<item>_<layer>/latest/<name>.<ext>
//	<geohash>/<item>_<layer>/<fingerprint>.json
type Layout struct {
	ExportDir  string
	GeohashDir string
}

const latestDir = "latest"

func (l Layout) Export(id model.Identity, fp model.Fingerprint, name, ext string) Location {
	return Location{
		Dir:  path.Join(l.ExportDir, id.Table(), string(fp)),
		Name: fileName(name, id) + "." + ext,
	}
}

func (l Layout) Latest(id model.Identity, name, ext string) Location {
	return Location{
		Dir:  path.Join(l.ExportDir, id.Table(), latestDir),
		Name: fileName(name, id) + "." + ext,
	}
}

func (l Layout) Geohash(id model.Identity, fp model.Fingerprint) Location {
	return Location{
		Dir:  path.Join(l.GeohashDir, id.Table()),
		Name: string(fp) + ".json",
	}
}

// Roots returns the directories holding every artifact of id.
func (l Layout) Roots(id model.Identity) []string {
	return []string{
		path.Join(l.ExportDir, id.Table()),
		path.Join(l.GeohashDir, id.Table()),
	}
}

func fileName(name string, id model.Identity) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return id.Table()
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
