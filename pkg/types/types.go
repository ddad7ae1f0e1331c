package types

import (
	"fmt"
	"strconv"
)

// Guid is the stable 64-bit identifier of a peer or client on the mesh.
// Guids are assigned once at process start and never reused while the
// process lives.
type Guid uint64

// UnassignedGuid marks an identity that has not been filled in, such as a
// node guid left at 0 in the daemon config.
const UnassignedGuid Guid = 0

func (g Guid) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// Address is a transport endpoint in host:port form. The empty string means
// unassigned.
type Address string

const UnassignedAddress Address = ""

// CloudKey identifies a slot in the cloud repository. Ordering is
// lexicographic on (Primary, Secondary); equality is bitwise.
type CloudKey struct {
	Primary   uint32
	Secondary uint32
}

func (k CloudKey) Less(other CloudKey) bool {
	if k.Primary != other.Primary {
		return k.Primary < other.Primary
	}
	return k.Secondary < other.Secondary
}

func (k CloudKey) String() string {
	return fmt.Sprintf("%d/%d", k.Primary, k.Secondary)
}

// CloudQuery describes what a get should return.
type CloudQuery struct {
	Keys []CloudKey

	// MaxRows bounds the response; 0 means unlimited.
	MaxRows uint32

	// StartingRow skips that many rows across the merged result.
	StartingRow uint32

	// SubscribeToResults also installs a change subscription for every
	// queried key.
	SubscribeToResults bool
}

// CloudQueryRow is one (key, owner, payload, coordinates) tuple returned by a
// query or carried in a change notification.
type CloudQueryRow struct {
	Key           CloudKey
	Payload       []byte
	ServerAddress Address
	ClientAddress Address
	ServerGuid    Guid
	ClientGuid    Guid
}
