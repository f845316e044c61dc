package cap

import "strings"

// Rights define which operations a capability authorizes.
type Rights uint16

// Capability rights.
const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightDuplicate
	RightTransfer
	RightDelete
	RightGrant
	RightRevoke

	RightsNone Rights = 0
	RightsAll         = RightRead | RightWrite | RightExecute | RightDuplicate |
		RightTransfer | RightDelete | RightGrant | RightRevoke
)

var rightLetters = []struct {
	r Rights
	c byte
}{
	{RightRead, 'r'},
	{RightWrite, 'w'},
	{RightExecute, 'x'},
	{RightDuplicate, 'd'},
	{RightTransfer, 't'},
	{RightDelete, 'D'},
	{RightGrant, 'g'},
	{RightRevoke, 'R'},
}

// Has reports whether r includes every right in req.
func (r Rights) Has(req Rights) bool {
	return r&req == req
}

// SubsetOf reports whether r grants nothing beyond o.
func (r Rights) SubsetOf(o Rights) bool {
	return r&^o == 0
}

func (r Rights) String() string {
	var sb strings.Builder
	for _, l := range rightLetters {
		if r&l.r != 0 {
			sb.WriteByte(l.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
