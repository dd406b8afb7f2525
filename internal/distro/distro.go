package distro

import (
	"fmt"
	"sort"
	"strings"
)

// Release is one Ubuntu release the builder knows about.
type Release struct {
	Version   string
	Codename  string
	FullName  string
	Kernel    string
	LTS       bool
	Supported bool
}

// FallbackCodename is used when the requested release cannot be bootstrapped.
const FallbackCodename = "jammy"

var releases = []Release{
	{Version: "20.04", Codename: "focal", FullName: "Ubuntu 20.04 LTS (Focal Fossa)", Kernel: "5.4", LTS: true, Supported: true},
	{Version: "22.04", Codename: "jammy", FullName: "Ubuntu 22.04 LTS (Jammy Jellyfish)", Kernel: "5.15", LTS: true, Supported: true},
	{Version: "24.04", Codename: "noble", FullName: "Ubuntu 24.04 LTS (Noble Numbat)", Kernel: "6.8", LTS: true, Supported: true},
	{Version: "25.04", Codename: "plucky", FullName: "Ubuntu 25.04 (Plucky Puffin)", Kernel: "6.9", Supported: true},
	{Version: "25.10", Codename: "vivid", FullName: "Ubuntu 25.10 (Vibrant Vervet)", Kernel: "6.10"},
}

// Releases returns the release table, oldest first.
func Releases() []Release {
	out := make([]Release, len(releases))
	copy(out, releases)
	return out
}

// FindRelease looks a release up by version or codename.
func FindRelease(versionOrCodename string) (Release, bool) {
	key := strings.ToLower(strings.TrimSpace(versionOrCodename))
	for _, r := range releases {
		if r.Version == key || r.Codename == key {
			return r, true
		}
	}
	return Release{}, false
}

type Flavor string

const (
	Desktop   Flavor = "desktop"
	Server    Flavor = "server"
	Emulation Flavor = "emulation"
	Minimal   Flavor = "minimal"
	Custom    Flavor = "custom"
)

var basePackages = []string{"ubuntu-minimal", "init", "systemd", "sudo"}

// commonPackages go into every flavor except minimal.
var commonPackages = []string{
	"linux-firmware", "wireless-tools", "wpasupplicant", "network-manager",
	"usbutils", "pciutils", "i2c-tools", "htop", "nano", "vim", "curl", "wget",
	"git", "locales", "software-properties-common", "dbus-x11", "language-pack-en",
}

var flavorPackages = map[Flavor][]string{
	Desktop:   {"gnome-shell", "gdm3", "gnome-terminal", "firefox", "gnome-tweaks", "gnome-system-monitor"},
	Server:    {"openssh-server", "fail2ban", "ufw", "docker.io", "docker-compose"},
	Emulation: nil,
	Minimal:   nil,
	Custom:    nil,
}

func ParseFlavor(s string) (Flavor, error) {
	f := Flavor(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := flavorPackages[f]; !ok {
		return "", fmt.Errorf("unknown distribution flavor %q (expected one of %s)", s, strings.Join(FlavorNames(), ", "))
	}
	return f, nil
}

func FlavorNames() []string {
	names := make([]string, 0, len(flavorPackages))
	for f := range flavorPackages {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return names
}

// Packages returns the package set installed into the rootfs for f, with
// extra appended and duplicates dropped.
func Packages(f Flavor, extra []string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(pkgs []string) {
		for _, p := range pkgs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	add(basePackages)
	if f != Minimal {
		add(commonPackages)
	}
	add(flavorPackages[f])
	add(extra)
	return out
}

// EmulationPlatform selects the front end prepared on emulation builds.
type EmulationPlatform string

const (
	NoEmulation      EmulationPlatform = "none"
	LibreELEC        EmulationPlatform = "libreelec"
	EmulationStation EmulationPlatform = "emulationstation"
	RetroPie         EmulationPlatform = "retropie"
	AllEmulation     EmulationPlatform = "all"
)

var emulationPlatforms = []EmulationPlatform{NoEmulation, LibreELEC, EmulationStation, RetroPie, AllEmulation}

// EmulationPackages are the libraries every emulation front end builds
// against.
var EmulationPackages = []string{
	"libsdl2-dev", "libsdl2-image-dev", "libsdl2-mixer-dev", "libsdl2-ttf-dev",
	"libboost-all-dev", "libavcodec-dev", "libavformat-dev", "libavutil-dev",
	"libswscale-dev", "libfreeimage-dev", "libfreetype6-dev", "libcurl4-openssl-dev",
	"libasound2-dev", "libpulse-dev", "libudev-dev", "libvlc-dev", "libvlccore-dev",
	"libxml2-dev", "libxrandr-dev", "mesa-common-dev", "libglu1-mesa-dev",
	"libgles2-mesa-dev", "libavfilter-dev", "libvorbis-dev", "libflac-dev",
	"cmake", "build-essential",
}

// ParseEmulationPlatform accepts a platform name; empty means none.
func ParseEmulationPlatform(s string) (EmulationPlatform, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return NoEmulation, nil
	}
	for _, p := range emulationPlatforms {
		if string(p) == v {
			return p, nil
		}
	}
	names := make([]string, 0, len(emulationPlatforms))
	for _, p := range emulationPlatforms {
		names = append(names, string(p))
	}
	return "", fmt.Errorf("unknown emulation platform %q (expected one of %s)", s, strings.Join(names, ", "))
}

// Platforms expands p into the individual platforms to set up, in order.
func (p EmulationPlatform) Platforms() []EmulationPlatform {
	switch p {
	case LibreELEC, EmulationStation, RetroPie:
		return []EmulationPlatform{p}
	case AllEmulation:
		return []EmulationPlatform{LibreELEC, EmulationStation, RetroPie}
	default:
		return nil
	}
}
