package docmesh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cosmos/btcutil/base58"
)

// a document url is the shareable string form of a document id:
//
//	docmesh:<base58check(id)>
//
// base58check carries a 4 byte checksum so a corrupted url is rejected
// before any state is touched.

const DocumentUrlScheme = "docmesh:"

// version byte folded into the base58check payload.
// bumping it invalidates all previously issued urls.
const documentUrlVersion = byte(0x01)

var ErrInvalidUrl = errors.New("invalid document url")

func FormatDocumentUrl(documentId DocumentId) string {
	return DocumentUrlScheme + base58.CheckEncode(documentId.Bytes(), documentUrlVersion)
}

func ParseDocumentUrl(documentUrl string) (DocumentId, error) {
	encoded, ok := strings.CutPrefix(documentUrl, DocumentUrlScheme)
	if !ok {
		return DocumentId{}, fmt.Errorf("%w: missing %s prefix", ErrInvalidUrl, DocumentUrlScheme)
	}
	idBytes, version, err := base58.CheckDecode(encoded)
	if err != nil {
		return DocumentId{}, fmt.Errorf("%w: %s", ErrInvalidUrl, err)
	}
	if version != documentUrlVersion {
		return DocumentId{}, fmt.Errorf("%w: unknown version %d", ErrInvalidUrl, version)
	}
	documentId, err := IdFromBytes(idBytes)
	if err != nil {
		return DocumentId{}, fmt.Errorf("%w: %s", ErrInvalidUrl, err)
	}
	return documentId, nil
}

func IsValidDocumentUrl(documentUrl string) bool {
	_, err := ParseDocumentUrl(documentUrl)
	return err == nil
}
