package docmesh

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// peer auth for the websocket transport. both sides of a connection share a
// mesh secret. the dialing peer presents a signed token carrying its peer
// id, the accepting side answers with its own.

var ErrPeerAuth = errors.New("peer auth failed")

type PeerAuth struct {
	PeerId   PeerId
	MeshName string
}

func (self *PeerAuth) Sign(secret []byte) (string, error) {
	claims := gojwt.MapClaims{
		"peer_id":   self.PeerId.String(),
		"mesh_name": self.MeshName,
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParsePeerAuth(tokenStr string, secret []byte) (*PeerAuth, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerAuth, err)
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: bad claims", ErrPeerAuth)
	}

	peerAuth := &PeerAuth{}

	peerIdStr, ok := claims["peer_id"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing peer_id", ErrPeerAuth)
	}
	peerId, err := ParseId(peerIdStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad peer_id: %s", ErrPeerAuth, err)
	}
	peerAuth.PeerId = peerId

	if meshName, ok := claims["mesh_name"].(string); ok {
		peerAuth.MeshName = meshName
	}

	return peerAuth, nil
}
