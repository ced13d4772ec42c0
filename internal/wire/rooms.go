package wire

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidRoom = errors.New("invalid room name")

type RoomKind string

const (
	RoomWorkspace RoomKind = "filesystem"
	RoomNote      RoomKind = "note"
)

// Room identifies one document on the relay. Owner and FileID are escaped
// when formatted, so a name never collides across owners.
type Room struct {
	Kind   RoomKind
	Owner  string
	FileID string
}

func WorkspaceRoom(owner string) string {
	return Room{Kind: RoomWorkspace, Owner: owner}.String()
}

func NoteRoom(owner, fileID string) string {
	return Room{Kind: RoomNote, Owner: owner, FileID: fileID}.String()
}

func (r Room) String() string {
	base := "user/" + url.PathEscape(r.Owner) + "/" + string(r.Kind)
	if r.Kind == RoomNote {
		return base + "/" + url.PathEscape(r.FileID)
	}
	return base
}

func ParseRoom(name string) (Room, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 3 || parts[0] != "user" {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
	}
	owner, err := url.PathUnescape(parts[1])
	if err != nil || owner == "" {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
	}
	switch RoomKind(parts[2]) {
	case RoomWorkspace:
		if len(parts) != 3 {
			return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
		}
		return Room{Kind: RoomWorkspace, Owner: owner}, nil
	case RoomNote:
		if len(parts) != 4 {
			return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
		}
		fileID, err := url.PathUnescape(parts[3])
		if err != nil || fileID == "" {
			return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
		}
		return Room{Kind: RoomNote, Owner: owner, FileID: fileID}, nil
	default:
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
	}
}

// RoomOwner returns the owner id encoded in name.
func RoomOwner(name string) (string, error) {
	r, err := ParseRoom(name)
	if err != nil {
		return "", err
	}
	return r.Owner, nil
}
