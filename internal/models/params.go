package models

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Params carries the loosely typed action arguments sent by agents.
// Numbers may arrive as json.Number, float64 or strings.
type Params map[string]interface{}

func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int parses an integer parameter. def is returned when key is absent.
func (p Params) Int(key string, def int64) (int64, error) {
	if !p.Has(key) {
		return def, nil
	}
	switch v := p[key].(type) {
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, Errorf(CodeInvalidParams, "%s must be an integer", key)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		n, err := strconv.ParseInt(p.String(key), 10, 64)
		if err != nil {
			return 0, Errorf(CodeInvalidParams, "%s must be an integer", key)
		}
		return n, nil
	}
}

func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Ether reads an ETH-denominated amount. A "<key>Wei" sibling takes
// precedence and is read as an integer wei string.
func (p Params) Ether(key string) (*big.Int, error) {
	if p.Has(key + "Wei") {
		raw := p.String(key + "Wei")
		wei, ok := new(big.Int).SetString(raw, 10)
		if !ok || wei.Sign() < 0 {
			return nil, Errorf(CodeInvalidParams, "invalid %sWei %q", key, raw)
		}
		return wei, nil
	}
	if !p.Has(key) {
		return nil, Errorf(CodeInvalidParams, "missing %s", key)
	}
	return ParseEther(p.String(key))
}

// NormalizeAgent validates a 20-byte hex address and returns its
// EIP-55 checksummed form.
func NormalizeAgent(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
		return "", Errorf(CodeInvalidAgent, "invalid agent address %q", addr)
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", NewError(CodeInvalidAgent, "zero address is not a valid agent")
	}
	return a.Hex(), nil
}
