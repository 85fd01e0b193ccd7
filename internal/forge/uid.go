package forge

import (
	"math/big"

	"github.com/google/uuid"
)

// DeterministicUID derives a DICOM UID from seed. Equal seeds give equal
// UIDs. The UID uses the 2.25 root reserved for UUID-derived identifiers.
func DeterministicUID(seed string) string {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}
