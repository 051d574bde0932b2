package chain

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// packArgs orders named call arguments by the method's inputs and converts
// each to the Go type the ABI encoder expects. Unnamed inputs are looked up
// as "arg0", "arg1", ...
func packArgs(method abi.Method, args map[string]any) ([]any, error) {
	out := make([]any, len(method.Inputs))
	used := 0
	for i, input := range method.Inputs {
		name := input.Name
		if name == "" {
			name = "arg" + strconv.Itoa(i)
		}
		raw, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("missing argument %q (%s)", name, input.Type.String())
		}
		used++
		v, err := convertArg(input.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[i] = v
	}
	if used != len(args) {
		return nil, fmt.Errorf("method %s takes %d arguments, got %d", method.Name, len(method.Inputs), len(args))
	}
	return out, nil
}

func convertArg(t abi.Type, raw any) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(raw)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, n)
	case abi.BoolTy:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
		return nil, fmt.Errorf("want bool, got %T", raw)
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", raw)
		}
		return s, nil
	case abi.AddressTy:
		s, ok := raw.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("want hex address, got %v", raw)
		}
		return common.HexToAddress(s), nil
	case abi.BytesTy:
		return toBytes(raw)
	case abi.FixedBytesTy:
		b, err := toBytes(raw)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("want list, got %T", raw)
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("want %d elements, got %d", t.Size, len(items))
		}
		var list reflect.Value
		if t.T == abi.ArrayTy {
			list = reflect.New(t.GetType()).Elem()
		} else {
			list = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			v, err := convertArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			list.Index(i).Set(reflect.ValueOf(v))
		}
		return list.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported argument type %s", t.String())
}

// fitInteger returns n as the exact Go type go-ethereum packs for t:
// *big.Int above 64 bits, the sized int/uint kind otherwise.
func fitInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s for %s", n, t.String())
	}
	if n.BitLen() > t.Size {
		return nil, fmt.Errorf("value %s overflows %s", n, t.String())
	}
	if t.Size > 64 {
		return n, nil
	}
	v := reflect.New(t.GetType()).Elem()
	if t.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		if !n.IsInt64() || v.OverflowInt(n.Int64()) {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}

func toBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case uint:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("want integer, got %v", v)
		}
		n, _ := new(big.Float).SetFloat64(v).Int(nil)
		return n, nil
	case json.Number:
		return parseBigInt(v.String())
	case string:
		return parseBigInt(v)
	}
	return nil, fmt.Errorf("want integer, got %T", raw)
}

func parseBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func toBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes %q: %w", v, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("want hex bytes, got %T", raw)
}

// decodeOutputs unpacks a method's return data. No outputs yields nil, one
// output yields the value itself, several yield a list.
func decodeOutputs(method abi.Method, data []byte) (any, error) {
	if len(method.Outputs) == 0 {
		return nil, nil
	}
	values, err := method.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method.Name, err)
	}
	for i, v := range values {
		values[i] = displayValue(v)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// displayValue converts ABI values into report-friendly forms: addresses and
// byte strings become hex.
func displayValue(v any) any {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return hexutil.Encode(b)
	}
	return v
}
