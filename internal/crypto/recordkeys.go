package icrypto

import "github.com/jmcleod/ironpass/internal/util"

const recordKeyInfo = "ironpass:record-key:v1"

// DeriveRecordKey derives the key sealing local records of one scope.
func DeriveRecordKey(root []byte, scope string) ([]byte, error) {
	return util.HKDF(root, []byte(scope), []byte(recordKeyInfo))
}
