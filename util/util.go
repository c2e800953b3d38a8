package util

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/google/go-github/github"
	"github.com/spf13/afero"
)

var (
	privateIPBlocks []*net.IPNet

	ErrInvalidPath = errors.New("path cannot be empty string")

	ErrFileDoesNotExist = errors.New("file does not exist")
	ErrFileIsEmtpy      = errors.New("file is empty")
	ErrPathIsDir        = errors.New("given path is a directory, not a file")

	ErrDirDoesNotExist = errors.New("directory does not exist")
	ErrPathIsNotDir    = errors.New("given path is not a directory")
)

func init() {
	// parse private IPs
	privateIPs, err := ParseSubnets(
		[]string{
			// loopback, link-local and multicast ranges are handled by the
			// corresponding net.IP methods in IPIsPrivate
			"10.0.0.0/8",     // RFC1918
			"172.16.0.0/12",  // RFC1918
			"192.168.0.0/16", // RFC1918
			"fc00::/7",       // IPv6 unique local addr
		})
	if err != nil {
		panic(fmt.Sprintf("Error defining private IPs: %v", err.Error()))
	}

	// set privateIPBlocks to the parsed subnets
	privateIPBlocks = privateIPs
}

// ContainsIP checks if a collection of subnets contains an IP
func ContainsIP(subnets []*net.IPNet, ip net.IP) bool {
	// cache IPv4 conversion so it not performed every in every Contains call
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}

	for _, block := range subnets {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseSubnets parses the provided subnets into net.IPNet format
func ParseSubnets(subnets []string) ([]*net.IPNet, error) {
	var parsedSubnets []*net.IPNet

	for _, entry := range subnets {
		// Try to parse out CIDR range
		_, block, err := net.ParseCIDR(entry)

		// If there was an error, check if entry was an IP
		if err != nil {
			ipAddr := net.ParseIP(entry)
			if ipAddr == nil {
				return parsedSubnets, fmt.Errorf("error parsing entry: %s", err.Error())
			}

			// Check if it's an IPv4 or IPv6 address and append the appropriate subnet mask
			var subnetMask string
			if ipAddr.To4() != nil {
				subnetMask = "/32"
			} else {
				subnetMask = "/128"
			}

			// Append the subnet mask and parse as a CIDR range
			_, block, err = net.ParseCIDR(entry + subnetMask)

			if err != nil {
				return parsedSubnets, fmt.Errorf("error parsing entry: %s", err.Error())
			}
		}

		// Add CIDR range to the list
		parsedSubnets = append(parsedSubnets, block)
	}
	return parsedSubnets, nil
}

// IPIsPrivate checks if an IP address is in a non-publicly-routable range:
// RFC1918, unique local, loopback, link-local or multicast. Destinations in
// these ranges never leave the local network, so intel lookups for them are
// skipped by enrichment.
func IPIsPrivate(ip net.IP) bool {
	// cache IPv4 conversion so it is not performed in every ip.IsXXX method
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}

	return ContainsIP(privateIPBlocks, ip)
}

// CanonicalIP returns the canonical textual form of an IP address string:
// dotted quad for IPv4 (including IPv4-in-IPv6) and collapsed lowercase hex
// for IPv6. The empty string is returned for unparseable input.
func CanonicalIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	if ipv4 := ip.To4(); ipv4 != nil {
		return ipv4.String()
	}
	return ip.String()
}

// CanonicalMAC returns the lowercase colon-separated form of a MAC address
// string, or the empty string if it does not parse
func CanonicalMAC(s string) string {
	if s == "" {
		return ""
	}
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return strings.ToLower(hw.String())
}

// HashIPToWorker maps a destination IP to one of n workers. Records for the
// same destination always land on the same worker, which preserves
// per-destination ordering without a global lock.
func HashIPToWorker(dstIP string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(dstIP)) // #nosec G104 -- fnv writes cannot fail
	return int(h.Sum32() % uint32(n))
}

// ValidateTimestamp clamps a timestamp to a sane epoch range, returning true
// in the second value when the original was unusable and now was substituted
func ValidateTimestamp(timestamp float64) (float64, bool) {
	if timestamp > 0 && timestamp < math.MaxInt32 {
		return timestamp, false
	}
	return float64(time.Now().Unix()), true
}

// ParseRelativePath parses a given directory path and returns the absolute path
func ParseRelativePath(dir string) (string, error) {
	// validate parameters
	if dir == "" {
		return "", ErrInvalidPath
	}

	switch {
	// if path is home, parse and set home dir
	case strings.HasPrefix(dir, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, dir[2:]), nil
	// if the path starts with a dot, get the path relative to the current working directory
	case strings.HasPrefix(dir, "."):
		currentDir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(currentDir, dir), nil
	default:
		// otherwise, return the directory as is
		return dir, nil

	}
}

// GetFileContents reads the file at the given path in its entirety
func GetFileContents(afs afero.Fs, path string) ([]byte, error) {
	if err := ValidateFile(afs, path); err != nil {
		return nil, err
	}
	contents, err := afero.ReadFile(afs, path)
	if err != nil {
		return nil, err
	}
	return contents, nil
}

// Validate File
func ValidateFile(afs afero.Fs, file string) error {
	// validate path
	exists, isDir, isEmpty, err := validatePath(afs, file)
	if err != nil {
		return err
	}

	// check if file exists
	if !exists {
		return fmt.Errorf("%w: %s", ErrFileDoesNotExist, file)
	}

	// check if path is a directory
	if isDir {
		return fmt.Errorf("%w: %s", ErrPathIsDir, file)
	}

	// check if file is empty
	if isEmpty {
		return fmt.Errorf("%w: %s", ErrFileIsEmtpy, file)
	}

	return nil
}

// ValidateDirectory returns whether a directory exists
func ValidateDirectory(afs afero.Fs, dir string) error {
	// validate path
	exists, isDir, _, err := validatePath(afs, dir)
	if err != nil {
		return err
	}

	// check if directory exists
	if !exists {
		return fmt.Errorf("%w: %s", ErrDirDoesNotExist, dir)
	}

	// check if path is a directory
	if !isDir {
		return fmt.Errorf("%w: %s", ErrPathIsNotDir, dir)
	}

	return nil
}

// validatePath validates a given path
func validatePath(afs afero.Fs, path string) (bool, bool, bool, error) {
	var exists, isDir, isEmpty bool

	// validate parameters
	if afs == nil {
		return exists, isDir, isEmpty, fmt.Errorf("filesystem is nil")
	}
	if path == "" {
		return exists, isDir, isEmpty, ErrInvalidPath
	}

	// check if path exists
	exists, err := afero.Exists(afs, path)
	if err != nil {
		return exists, isDir, isEmpty, err
	}

	if exists {
		// check if path is a directory
		isDir, err = afero.IsDir(afs, path)
		if err != nil {
			return exists, isDir, isEmpty, err
		}

		// check if directory is empty
		isEmpty, err = afero.IsEmpty(afs, path)
		if err != nil {
			return exists, isDir, isEmpty, err
		}
	}

	return exists, isDir, isEmpty, nil
}

// CheckForNewerVersion checks if a newer version of the project is available on the GitHub repository
func CheckForNewerVersion(client *github.Client, currentVersion string) (bool, string, error) {
	// get the latest version
	latestVersion, err := GetLatestReleaseVersion(client, "cobaltgraph", "cobaltgraph")
	if err != nil {
		return false, "", err
	}

	// parse the current version
	currentSemver, err := semver.ParseTolerant(currentVersion)
	if err != nil {
		return false, "", fmt.Errorf("error parsing current version: %w", err)
	}

	// parse the latest version
	latestSemver, err := semver.ParseTolerant(latestVersion)
	if err != nil {
		return false, "", fmt.Errorf("error parsing latest version: %w", err)
	}

	// compare the versions
	if latestSemver.GT(currentSemver) {
		return true, latestVersion, nil
	}

	return false, latestVersion, nil
}

// GetLatestReleaseVersion gets the latest release version from the GitHub repository
func GetLatestReleaseVersion(client *github.Client, owner, repo string) (string, error) {
	// get the latest release
	latestRelease, _, err := client.Repositories.GetLatestRelease(context.Background(), owner, repo)
	if err != nil {
		return "", fmt.Errorf("error fetching latest release: %w", err)
	}

	// get the latest version from release tag name
	latestVersion := latestRelease.GetTagName()

	return latestVersion, nil
}
