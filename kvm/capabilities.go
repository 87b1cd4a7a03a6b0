package kvm

import "fmt"

// Capability identifies an optional KVM feature probed with
// KVM_CHECK_EXTENSION.
type Capability uint

const (
	CapIRQChip                  Capability = 0
	CapHLT                      Capability = 1
	CapMMUShadowCacheControl    Capability = 2
	CapUserMemory               Capability = 3
	CapSetTSSAddr               Capability = 4
	CapVAPIC                    Capability = 6
	CapExtCPUID                 Capability = 7
	CapClockSource              Capability = 8
	CapNrVCPUs                  Capability = 9
	CapNrMemSlots               Capability = 10
	CapPIT                      Capability = 11
	CapNopIODelay               Capability = 12
	CapPVMMU                    Capability = 13
	CapMPState                  Capability = 14
	CapCoalescedMMIO            Capability = 15
	CapSyncMMU                  Capability = 16
	CapIOMMU                    Capability = 18
	CapDestroyMemoryRegionWorks Capability = 21
	CapUserNMI                  Capability = 22
	CapSetGuestDebug            Capability = 23
	CapReinjectControl          Capability = 24
	CapIRQRouting               Capability = 25
	CapIRQInjectStatus          Capability = 26
	CapAssignDevIRQ             Capability = 29
	CapJoinMemoryRegionsWorks   Capability = 30
	CapMCE                      Capability = 31
	CapIRQFD                    Capability = 32
	CapPIT2                     Capability = 33
	CapSetBootCPUID             Capability = 34
	CapPITState2                Capability = 35
	CapIOEventFD                Capability = 36
	CapSetIdentityMapAddr       Capability = 37
	CapAdjustClock              Capability = 39
	CapVCPUEvents               Capability = 41
	CapS390Psw                  Capability = 42
	CapPPCSegstate              Capability = 43
	CapHyperV                   Capability = 44
	CapDebugRegs                Capability = 50
	CapX86RobustSinglestep      Capability = 51
	CapEnableCap                Capability = 54
	CapXSave                    Capability = 55
	CapXCRS                     Capability = 56
	CapTSCControl               Capability = 60
	CapKVMClockCtrl             Capability = 76
	CapImmediateExit            Capability = 136
)

var capNames = map[Capability]string{
	CapIRQChip:                  "CapIRQChip",
	CapHLT:                      "CapHLT",
	CapMMUShadowCacheControl:    "CapMMUShadowCacheControl",
	CapUserMemory:               "CapUserMemory",
	CapSetTSSAddr:               "CapSetTSSAddr",
	CapVAPIC:                    "CapVAPIC",
	CapExtCPUID:                 "CapExtCPUID",
	CapClockSource:              "CapClockSource",
	CapNrVCPUs:                  "CapNrVCPUs",
	CapNrMemSlots:               "CapNrMemSlots",
	CapPIT:                      "CapPIT",
	CapNopIODelay:               "CapNopIODelay",
	CapPVMMU:                    "CapPVMMU",
	CapMPState:                  "CapMPState",
	CapCoalescedMMIO:            "CapCoalescedMMIO",
	CapSyncMMU:                  "CapSyncMMU",
	CapIOMMU:                    "CapIOMMU",
	CapDestroyMemoryRegionWorks: "CapDestroyMemoryRegionWorks",
	CapUserNMI:                  "CapUserNMI",
	CapSetGuestDebug:            "CapSetGuestDebug",
	CapReinjectControl:          "CapReinjectControl",
	CapIRQRouting:               "CapIRQRouting",
	CapIRQInjectStatus:          "CapIRQInjectStatus",
	CapAssignDevIRQ:             "CapAssignDevIRQ",
	CapJoinMemoryRegionsWorks:   "CapJoinMemoryRegionsWorks",
	CapMCE:                      "CapMCE",
	CapIRQFD:                    "CapIRQFD",
	CapPIT2:                     "CapPIT2",
	CapSetBootCPUID:             "CapSetBootCPUID",
	CapPITState2:                "CapPITState2",
	CapIOEventFD:                "CapIOEventFD",
	CapSetIdentityMapAddr:       "CapSetIdentityMapAddr",
	CapAdjustClock:              "CapAdjustClock",
	CapVCPUEvents:               "CapVCPUEvents",
	CapS390Psw:                  "CapS390Psw",
	CapPPCSegstate:              "CapPPCSegstate",
	CapHyperV:                   "CapHyperV",
	CapDebugRegs:                "CapDebugRegs",
	CapX86RobustSinglestep:      "CapX86RobustSinglestep",
	CapEnableCap:                "CapEnableCap",
	CapXSave:                    "CapXSave",
	CapXCRS:                     "CapXCRS",
	CapTSCControl:               "CapTSCControl",
	CapKVMClockCtrl:             "CapKVMClockCtrl",
	CapImmediateExit:            "CapImmediateExit",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// CheckExtension probes one capability. The result is zero when the
// capability is absent; some capabilities return a count instead of a
// boolean.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))
}
