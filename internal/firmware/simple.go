package firmware

// Func-field adapters for tests and partial machine assemblies, in the same
// shape as the device adapters elsewhere in the tree: any nil func falls
// back to the most inert behaviour the interface allows.

type SimpleDiskService struct {
	ExtensionsFunc func(drive uint8) bool
	ReadFunc       func(drive uint8, pkt *DiskAddressPacket) DiskStatus
	ResetFunc      func(drive uint8)
}

func (s SimpleDiskService) ExtensionsPresent(drive uint8) bool {
	if s.ExtensionsFunc != nil {
		return s.ExtensionsFunc(drive)
	}
	return true
}

func (s SimpleDiskService) ExtendedRead(drive uint8, pkt *DiskAddressPacket) DiskStatus {
	if s.ReadFunc != nil {
		return s.ReadFunc(drive, pkt)
	}
	return DiskStatus{}
}

func (s SimpleDiskService) Reset(drive uint8) {
	if s.ResetFunc != nil {
		s.ResetFunc(drive)
	}
}

type SimpleMemoryMapService struct {
	QueryFunc func(continuation uint32, buf int64) E820Response
}

func (s SimpleMemoryMapService) QueryRange(continuation uint32, buf int64) E820Response {
	if s.QueryFunc != nil {
		return s.QueryFunc(continuation, buf)
	}
	return E820Response{Carry: true}
}

type SimpleVideoService struct {
	ControllerInfoFunc func(buf int64) VBEStatus
	ModeInfoFunc       func(mode uint16, buf int64) VBEStatus
	SetModeFunc        func(mode uint16) VBEStatus
}

func (s SimpleVideoService) ControllerInfo(buf int64) VBEStatus {
	if s.ControllerInfoFunc != nil {
		return s.ControllerInfoFunc(buf)
	}
	return VBESuccess
}

func (s SimpleVideoService) ModeInfo(mode uint16, buf int64) VBEStatus {
	if s.ModeInfoFunc != nil {
		return s.ModeInfoFunc(mode, buf)
	}
	return VBESuccess
}

func (s SimpleVideoService) SetMode(mode uint16) VBEStatus {
	if s.SetModeFunc != nil {
		return s.SetModeFunc(mode)
	}
	return VBESuccess
}

type SimpleSystem struct {
	EnableA20Func func() bool
	RebootFunc    func() error
	HaltFunc      func() error
}

func (s SimpleSystem) EnableA20() bool {
	if s.EnableA20Func != nil {
		return s.EnableA20Func()
	}
	return false
}

func (s SimpleSystem) Reboot() error {
	if s.RebootFunc != nil {
		return s.RebootFunc()
	}
	return ErrRebootRequested
}

func (s SimpleSystem) Halt() error {
	if s.HaltFunc != nil {
		return s.HaltFunc()
	}
	return ErrHalted
}

type SimplePortIO struct {
	InFunc  func(port uint16) byte
	OutFunc func(port uint16, value byte)
}

func (s SimplePortIO) In(port uint16) byte {
	if s.InFunc != nil {
		return s.InFunc(port)
	}
	return 0xFF
}

func (s SimplePortIO) Out(port uint16, value byte) {
	if s.OutFunc != nil {
		s.OutFunc(port, value)
	}
}

type SimpleConsole struct {
	WriteCharFunc func(b byte)
	WaitKeyFunc   func() byte
}

func (s SimpleConsole) WriteChar(b byte) {
	if s.WriteCharFunc != nil {
		s.WriteCharFunc(b)
	}
}

func (s SimpleConsole) WaitKey() byte {
	if s.WaitKeyFunc != nil {
		return s.WaitKeyFunc()
	}
	return 0
}

var (
	_ DiskService      = SimpleDiskService{}
	_ MemoryMapService = SimpleMemoryMapService{}
	_ VideoService     = SimpleVideoService{}
	_ System           = SimpleSystem{}
	_ PortIO           = SimplePortIO{}
	_ Console          = SimpleConsole{}
)
