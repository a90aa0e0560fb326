package store

import (
	"strconv"
	"strings"
	"time"
)

// Grant is one (organization, blob key) access row.
type Grant struct {
	OrganizationID int64
	BlobKey        string
	CreatedAt      time.Time
}

// UnitLibc classifies the libc family a saved unit was built against, used
// by Restore's compatibility filter. The zero value FamilyNone means the
// unit carries no libc tag at all (matches only libc-less requests).
type UnitLibcFamily string

const (
	FamilyNone    UnitLibcFamily = ""
	FamilyGlibc   UnitLibcFamily = "glibc"
	FamilyMusl    UnitLibcFamily = "musl"
	FamilyMacOS   UnitLibcFamily = "macos"
	FamilyWindows UnitLibcFamily = "windows"
	FamilyUnknown UnitLibcFamily = "unknown"
)

// UnitLibc is a (family, ordinal) pair: ordinal orders versions within a
// family so Restore can apply spec's "host_libc >= L" comparison. Families
// that carry no meaningful version order (macOS, Windows, Unknown) always
// use ordinal 0 and compare equal to themselves only.
type UnitLibc struct {
	Family  UnitLibcFamily
	Ordinal int64
}

// String renders the libc tag the way it's persisted: "family:ordinal", or
// "" for FamilyNone.
func (l UnitLibc) String() string {
	if l.Family == FamilyNone {
		return ""
	}
	return string(l.Family) + ":" + strconv.FormatInt(l.Ordinal, 10)
}

// ParseUnitLibc parses the persisted "family:ordinal" form back out. An
// empty string parses to the zero UnitLibc (FamilyNone).
func ParseUnitLibc(s string) UnitLibc {
	if s == "" {
		return UnitLibc{}
	}
	family, ordinalStr, found := strings.Cut(s, ":")
	if !found {
		return UnitLibc{Family: UnitLibcFamily(s)}
	}
	ordinal, _ := strconv.ParseInt(ordinalStr, 10, 64)
	return UnitLibc{Family: UnitLibcFamily(family), Ordinal: ordinal}
}

// CompatibleWith reports whether a record built with stored libc l may be
// handed back to a client whose host reports libc host: same family, and
// host.Ordinal >= l.Ordinal. A record with no libc tag only satisfies a
// request that also carries no libc tag.
func (l UnitLibc) CompatibleWith(host UnitLibc, hostPresent bool) bool {
	if l.Family == FamilyNone {
		return !hostPresent
	}
	if !hostPresent {
		return false
	}
	if l.Family != host.Family {
		return false
	}
	return host.Ordinal >= l.Ordinal
}

// UnitRecord is one row of the unit metadata index: an organization's saved
// build unit, addressed by its fingerprint-derived unit hash.
type UnitRecord struct {
	OrganizationID int64
	UnitHash       string
	Target         string
	Libc           UnitLibc
	ContentHash    string
	PayloadJSON    []byte
	CreatedAt      time.Time
}
