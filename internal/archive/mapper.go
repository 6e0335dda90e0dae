package archive

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var mapperSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// MapperName derives the "sq_<sanitized-basename>" candidate for image, and
// resolves collisions against existing /dev/mapper entries by appending
// "_2".."_99", then finally a timestamp+random suffix if every numbered
// variant is also taken.
func MapperName(image string, now time.Time, exists func(name string) bool) string {
	base := "sq_" + mapperSanitizeRe.ReplaceAllString(filepath.Base(image), "_")
	if !exists(base) {
		return base
	}
	for i := 2; i <= 99; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !exists(candidate) {
			return candidate
		}
	}
	return fmt.Sprintf("%s_%d_%d", base, now.Unix(), 1000+rand.Uint32()%9000) //nolint:gosec // collision-avoidance suffix, not a secret
}

// MapperExists reports whether /dev/mapper/<name> exists — the real
// `exists` predicate MapperName is called with in production.
func MapperExists(name string) bool {
	_, err := os.Stat(filepath.Join("/dev/mapper", name))
	return err == nil
}
