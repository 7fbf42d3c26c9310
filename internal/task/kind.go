package task

import (
	"fmt"

	"github.com/samcharles93/rts/internal/chip"
)

// Kind is the closed set of asynchronous work the runtime can queue.
type Kind uint8

const (
	KindKernelLaunch Kind = iota + 1
	KindFusionKernelLaunch
	KindMemcpyAsync
	KindNotifyRecord
	KindNotifyWait
	KindStreamSwitch
	KindStreamSwitchEx
	KindStreamActive
	KindModelMaintenance
	KindModelExecute
	KindWriteValue
	KindWriteValuePtr
	KindCcuLaunch
	KindRdmaSend
	KindRdmaDoorbellSend
	KindUbDirectSend
	KindUbDoorbellSend
	KindCmoAddr
	KindRingBufferMaintain
	KindDebugRegister
	KindDebugUnregister
	KindNop
	KindPlaceHolder
	KindGetDeviceMessage
	KindProfilerTraceEx
	KindLabelSwitchByIndex
	KindModelTaskUpdate
	KindAicpuInfoLoad

	kindEnd
)

var kindNames = [...]string{
	KindKernelLaunch:       "KERNEL_LAUNCH",
	KindFusionKernelLaunch: "FUSION_KERNEL_LAUNCH",
	KindMemcpyAsync:        "MEMCPY_ASYNC",
	KindNotifyRecord:       "NOTIFY_RECORD",
	KindNotifyWait:         "NOTIFY_WAIT",
	KindStreamSwitch:       "STREAM_SWITCH",
	KindStreamSwitchEx:     "STREAM_SWITCH_EX",
	KindStreamActive:       "STREAM_ACTIVE",
	KindModelMaintenance:   "MODEL_MAINTENANCE",
	KindModelExecute:       "MODEL_EXECUTE",
	KindWriteValue:         "WRITE_VALUE",
	KindWriteValuePtr:      "WRITE_VALUE_PTR",
	KindCcuLaunch:          "CCU_LAUNCH",
	KindRdmaSend:           "RDMA_SEND",
	KindRdmaDoorbellSend:   "RDMA_DB_SEND",
	KindUbDirectSend:       "UB_DIRECT_SEND",
	KindUbDoorbellSend:     "UB_DB_SEND",
	KindCmoAddr:            "CMO_ADDR",
	KindRingBufferMaintain: "RINGBUFFER_MAINTAIN",
	KindDebugRegister:      "DEBUG_REGISTER",
	KindDebugUnregister:    "DEBUG_UNREGISTER",
	KindNop:                "NOP",
	KindPlaceHolder:        "PLACE_HOLDER",
	KindGetDeviceMessage:   "GET_DEVICE_MSG",
	KindProfilerTraceEx:    "PROFILER_TRACE_EX",
	KindLabelSwitchByIndex: "LABEL_SWITCH_BY_INDEX",
	KindModelTaskUpdate:    "MODEL_TASK_UPDATE",
	KindAicpuInfoLoad:      "AICPU_INFO_LOAD",
}

func (k Kind) String() string {
	if k > 0 && k < kindEnd {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Valid reports whether k names a known kind.
func (k Kind) Valid() bool {
	return k > 0 && k < kindEnd
}

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, int(kindEnd)-1)
	for k := KindKernelLaunch; k < kindEnd; k++ {
		out = append(out, k)
	}
	return out
}

// Supported reports whether gen can execute kind. Unsupported combinations
// are rejected when the task is allocated so the encoder never sees them.
func Supported(gen chip.Generation, k Kind) bool {
	if !k.Valid() {
		return false
	}
	switch gen {
	case chip.Stars:
		switch k {
		case KindFusionKernelLaunch, KindCcuLaunch, KindUbDirectSend, KindUbDoorbellSend, KindWriteValuePtr:
			return false
		}
		return true
	case chip.David:
		return k != KindRdmaDoorbellSend
	default:
		return false
	}
}
