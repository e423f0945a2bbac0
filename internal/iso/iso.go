// Package iso discovers BCM installer images on local disk and resolves a
// requested version to one of them.
package iso

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Majors lists the supported BCM major versions in preference order.
var Majors = []string{"10", "11"}

var (
	ErrNoImages  = errors.New("no BCM ISOs found")
	ErrAmbiguous = errors.New("multiple BCM ISOs match; specify an exact version")
)

var versionPattern = regexp.MustCompile(`(?i)bcm-?(10|11)\.?(\d+)?\.?(\d+)?`)

// Image is one installer ISO on disk.
type Image struct {
	Major   string
	Version string
	Path    string
	Size    int64
}

// Filename returns the image's base name.
func (i Image) Filename() string { return filepath.Base(i.Path) }

// HumanSize renders the image size for display.
func (i Image) HumanSize() string { return humanize.Bytes(uint64(i.Size)) }

// CollectionName returns the installer collection for the image's major version.
func (i Image) CollectionName() string { return CollectionName(i.Major) }

// CollectionName maps a major version to its installer collection name.
func CollectionName(major string) string {
	return fmt.Sprintf("brightcomputing.installer%s0", major)
}

// MajorOf returns the part of a version string before the first dot.
func MajorOf(version string) string {
	major, _, _ := strings.Cut(version, ".")
	return major
}

// Catalog groups images by major version, newest first within each group.
type Catalog map[string][]Image

// All returns every image, majors in preference order.
func (c Catalog) All() []Image {
	var out []Image
	for _, m := range Majors {
		out = append(out, c[m]...)
	}
	return out
}

// Empty reports whether no images were found.
func (c Catalog) Empty() bool { return len(c.All()) == 0 }

// Scan reads *.iso files in dir. A missing directory yields an empty catalog.
func Scan(dir string) (Catalog, error) {
	cat := Catalog{}
	for _, m := range Majors {
		cat[m] = nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return nil, fmt.Errorf("failed to read ISO directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".iso") {
			continue
		}
		m := versionPattern.FindStringSubmatch(strings.ToLower(e.Name()))
		if m == nil {
			continue
		}
		minor, patch := m[2], m[3]
		if minor == "" {
			minor = "0"
		}
		if patch == "" {
			patch = "0"
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cat[m[1]] = append(cat[m[1]], Image{
			Major:   m[1],
			Version: fmt.Sprintf("%s.%s.%s", m[1], minor, patch),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
		})
	}

	for _, imgs := range cat {
		sort.SliceStable(imgs, func(i, j int) bool {
			return versionLess(imgs[j].Version, imgs[i].Version)
		})
	}
	return cat, nil
}

func versionLess(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, _ := strconv.Atoi(pa[i])
		nb, _ := strconv.Atoi(pb[i])
		if na != nb {
			return na < nb
		}
	}
	return len(pa) < len(pb)
}

// Resolve maps a requested version to an image. "10"/"11" select the only
// image of that major; anything else is matched exactly, then by prefix.
func Resolve(cat Catalog, requested string) (Image, error) {
	requested = strings.TrimSpace(requested)
	var major string
	for _, m := range Majors {
		if strings.HasPrefix(requested, m) {
			major = m
			break
		}
	}
	if major == "" {
		return Image{}, fmt.Errorf("invalid BCM version %q: must start with 10 or 11 (e.g. 10, 11, 10.30.0)", requested)
	}

	imgs := cat[major]
	if len(imgs) == 0 {
		return Image{}, fmt.Errorf("%w for BCM %s", ErrNoImages, major)
	}

	if requested == major {
		if len(imgs) == 1 {
			return imgs[0], nil
		}
		return Image{}, fmt.Errorf("%w: BCM %s has %s", ErrAmbiguous, major, versions(imgs))
	}

	for _, img := range imgs {
		if img.Version == requested {
			return img, nil
		}
	}
	for _, img := range imgs {
		if strings.HasPrefix(img.Version, requested) {
			return img, nil
		}
	}
	return Image{}, fmt.Errorf("no ISO found matching version %s (available: %s)", requested, versions(imgs))
}

// Default picks an image without asking: the only BCM 10 image, else the
// only BCM 11 image.
func Default(cat Catalog) (Image, error) {
	for _, m := range Majors {
		switch imgs := cat[m]; len(imgs) {
		case 0:
			continue
		case 1:
			return imgs[0], nil
		default:
			return Image{}, fmt.Errorf("%w: BCM %s has %s", ErrAmbiguous, m, versions(imgs))
		}
	}
	return Image{}, ErrNoImages
}

func versions(imgs []Image) string {
	vs := make([]string, len(imgs))
	for i, img := range imgs {
		vs[i] = img.Version
	}
	return strings.Join(vs, ", ")
}
