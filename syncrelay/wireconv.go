package syncrelay

import (
	"github.com/pkg/errors"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/p2ptransport"
)

// blockToWire converts a block to its wire shape for a blocks/getdata response.
func blockToWire(b *block.Block) p2ptransport.BlockWire {
	return p2ptransport.BlockWire{
		Header:       b.Header.Serialize(),
		Hash:         b.Hash,
		Height:       b.Height,
		Transactions: b.Transactions,
	}
}

// wireToBlock is the inverse of blockToWire.
func wireToBlock(w p2ptransport.BlockWire) (*block.Block, error) {
	h, err := block.DeserializeHeader(w.Header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deserialize block header")
	}
	return &block.Block{Header: *h, Hash: w.Hash, Height: w.Height, Transactions: w.Transactions}, nil
}

// headerToWire converts a block's header into a headers-response entry.
func headerToWire(b *block.Block) p2ptransport.HeaderWire {
	return p2ptransport.HeaderWire{Header: b.Header.Serialize(), Height: b.Height}
}

// wireToHeader is the inverse of headerToWire, returning only the header.
func wireToHeader(w p2ptransport.HeaderWire) (*block.Header, error) {
	h, err := block.DeserializeHeader(w.Header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deserialize header")
	}
	return h, nil
}
