package state

import (
	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/mvm"
)

// vmView adapts a Reader to the VM's text-address read interface for
// the free view-call path.
type vmView struct {
	r *Reader
}

func (r *Reader) VM() mvm.StateReader {
	return vmView{r: r}
}

func (v vmView) GetVar(contract, name string) (string, bool, error) {
	addr, err := parseAddrText(contract)
	if err != nil {
		return "", false, err
	}
	return v.r.GetVar(addr, name)
}

func (v vmView) GetMap(contract, mapName, key string) (string, bool, error) {
	addr, err := parseAddrText(contract)
	if err != nil {
		return "", false, err
	}
	return v.r.GetMap(addr, mapName, key)
}

func (v vmView) TokenBalance(token, holder string) (block.Amount, error) {
	t, err := parseAddrText(token)
	if err != nil {
		return block.Amount{}, err
	}
	h, err := parseAddrText(holder)
	if err != nil {
		return block.Amount{}, err
	}
	return v.r.TokenBalance(t, h)
}
