package service

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/layer-3/warden/core"
)

// approvalABI covers the ERC-20/721/2612 calls that hand spending rights or
// ownership to a third party.
const approvalABI = `[
  {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"increaseAllowance","inputs":[{"name":"spender","type":"address"},{"name":"addedValue","type":"uint256"}]},
  {"type":"function","name":"setApprovalForAll","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}]},
  {"type":"function","name":"permit","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"},{"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
  {"type":"function","name":"transferOwnership","inputs":[{"name":"newOwner","type":"address"}]}
]`

var approvals abi.ABI

func init() {
	var err error
	approvals, err = abi.JSON(strings.NewReader(approvalABI))
	if err != nil {
		panic("service: approval ABI: " + err.Error())
	}
}

// instructionReport summarises the risk-relevant shape of a call list
type instructionReport struct {
	count             int
	approval          bool
	unlimitedApproval bool
	unknownProgram    bool
}

func analyzeInstructions(instructions []core.Instruction, allowlist map[string]struct{}) instructionReport {
	r := instructionReport{count: len(instructions)}
	for _, ins := range instructions {
		if len(allowlist) > 0 {
			if _, ok := allowlist[strings.ToLower(ins.To)]; !ok {
				r.unknownProgram = true
			}
		}

		selector := ins.Selector()
		if selector == nil {
			continue
		}
		method, err := approvals.MethodById(selector)
		if err != nil {
			continue
		}
		r.approval = true
		if isUnlimited(method, ins.Calldata()[4:]) {
			r.unlimitedApproval = true
		}
	}
	return r
}

// isUnlimited reports a max-uint256 allowance or a blanket operator approval.
// Calldata that fails to decode is treated as unlimited.
func isUnlimited(method *abi.Method, args []byte) bool {
	switch method.Name {
	case "approve", "increaseAllowance", "setApprovalForAll", "permit":
	default:
		return false
	}

	values, err := method.Inputs.Unpack(args)
	if err != nil {
		return true
	}

	switch method.Name {
	case "setApprovalForAll":
		approved, _ := values[1].(bool)
		return approved
	case "permit":
		return isMaxUint(values[2])
	default:
		return isMaxUint(values[1])
	}
}

func isMaxUint(v any) bool {
	n, ok := v.(*big.Int)
	return ok && n.Cmp(math.MaxBig256) == 0
}
