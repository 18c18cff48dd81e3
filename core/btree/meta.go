package btree

import (
	"unsafe"

	"github.com/sushant-115/kurodb/core/buffer"
)

// MetaDataPage overlays page 0: an array of tree root PIDs indexed by the
// slot id each tree claims at creation. Slot value 0 means unclaimed; PID 0
// is the metadata page itself and can never be a root.
type MetaDataPage struct {
	roots [pageSize / 8]PID
}

const (
	_ = uint64(pageSize - unsafe.Sizeof(MetaDataPage{}))
	_ = uint64(unsafe.Sizeof(MetaDataPage{}) - pageSize)
)

func (m *MetaDataPage) getRoot(slot int) PID { return m.roots[slot] }

// metaView reinterprets a node guard's page as the metadata page. The
// metadata page is fixed through the same guard machinery as tree nodes.
func metaView(n *BTreeNode) *MetaDataPage {
	return (*MetaDataPage)(unsafe.Pointer(n))
}

// metadataPID is the fixed home of the root directory.
const metadataPID = buffer.MetadataPID
