// Package icrypto holds the associated-data layouts and key wrapping
// primitives shared by the key hierarchy and the local store.
package icrypto

import "encoding/binary"

const (
	aadRecord     = "RECORD"
	aadContent    = "CONTENT"
	aadShareKey   = "SHAREKEY"
	aadAttachment = "ATTKEY"
	aadBlob       = "ATTBLOB"
	aadVault      = "VAULT"
)

// AADRecord binds a locally sealed record to its scope, type and id.
func AADRecord(scope, recordType, recordID string, ver int) []byte {
	return buildAAD(aadRecord, scope, recordType, recordID, ver)
}

// AADItemContent binds item content to the share, the item and the rotation
// whose key encrypted it. Opening with any other rotation fails.
func AADItemContent(shareID, itemID string, rotation uint64) []byte {
	return buildAAD(aadContent, shareID, itemID, rotation)
}

// AADShareKeyWrap binds a share key wrap to the share, the address it is
// sealed to and the rotation.
func AADShareKeyWrap(shareID, addressID string, rotation uint64) []byte {
	return buildAAD(aadShareKey, shareID, addressID, rotation)
}

// AADAttachmentKey binds an attachment file key to the item it is linked to.
func AADAttachmentKey(shareID, itemID, attachmentID string, rotation uint64) []byte {
	return buildAAD(aadAttachment, shareID, itemID, attachmentID, rotation)
}

// AADAttachmentBlob binds encrypted attachment bytes to the pending upload
// they were created for.
func AADAttachmentBlob(pendingID string) []byte {
	return buildAAD(aadBlob, pendingID)
}

// AADVaultContent binds encrypted vault metadata to its share and rotation.
func AADVaultContent(shareID string, rotation uint64) []byte {
	return buildAAD(aadVault, shareID, rotation)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = binary.BigEndian.AppendUint32(res, uint32(len(v)))
			res = append(res, v...)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}
