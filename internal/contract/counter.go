package contract

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/gateway-fm/callbench/internal/chain"
)

// Counter runtime layout:
//
//	selector := calldata[0:4]
//	getCounter()       -> return slot 0
//	incrementCounter() -> slot 0 += 1
//	anything else      -> revert
const (
	counterGetLabel = 0x1d
	counterIncLabel = 0x29
)

// CounterRuntime returns the deployed code of the counter contract the
// default scenarios call.
func CounterRuntime() ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(chain.CounterABI))
	if err != nil {
		return nil, fmt.Errorf("parsing counter ABI: %w", err)
	}
	get, ok := parsed.Methods["getCounter"]
	if !ok {
		return nil, fmt.Errorf("counter ABI has no getCounter")
	}
	inc, ok := parsed.Methods["incrementCounter"]
	if !ok {
		return nil, fmt.Errorf("counter ABI has no incrementCounter")
	}

	code := []byte{
		byte(vm.PUSH1), 0x00, byte(vm.CALLDATALOAD),
		byte(vm.PUSH1), 0xe0, byte(vm.SHR),
		byte(vm.DUP1), byte(vm.PUSH4),
	}
	code = append(code, get.ID...)
	code = append(code, byte(vm.EQ), byte(vm.PUSH1), counterGetLabel, byte(vm.JUMPI), byte(vm.PUSH4))
	code = append(code, inc.ID...)
	code = append(code,
		byte(vm.EQ), byte(vm.PUSH1), counterIncLabel, byte(vm.JUMPI),
		byte(vm.PUSH1), 0x00, byte(vm.DUP1), byte(vm.REVERT),
	)
	if len(code) != counterGetLabel {
		return nil, fmt.Errorf("counter dispatch is %d bytes, want %d", len(code), counterGetLabel)
	}

	// getCounter
	code = append(code,
		byte(vm.JUMPDEST),
		byte(vm.PUSH1), 0x00, byte(vm.SLOAD),
		byte(vm.PUSH1), 0x00, byte(vm.MSTORE),
		byte(vm.PUSH1), 0x20, byte(vm.PUSH1), 0x00, byte(vm.RETURN),
	)
	// incrementCounter
	code = append(code,
		byte(vm.JUMPDEST),
		byte(vm.PUSH1), 0x00, byte(vm.SLOAD),
		byte(vm.PUSH1), 0x01, byte(vm.ADD),
		byte(vm.PUSH1), 0x00, byte(vm.SSTORE),
		byte(vm.STOP),
	)
	return code, nil
}

// CounterBytecode returns the creation code of the counter contract.
func CounterBytecode() ([]byte, error) {
	runtime, err := CounterRuntime()
	if err != nil {
		return nil, err
	}
	return initCode(runtime), nil
}

// initCode wraps runtime code in a constructor that copies it to memory and
// returns it.
func initCode(runtime []byte) []byte {
	const prefixLen = 11
	n := byte(len(runtime))
	code := []byte{
		byte(vm.PUSH1), n, byte(vm.DUP1),
		byte(vm.PUSH1), prefixLen,
		byte(vm.PUSH1), 0x00, byte(vm.CODECOPY),
		byte(vm.PUSH1), 0x00, byte(vm.RETURN),
	}
	return append(code, runtime...)
}
