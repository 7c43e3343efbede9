package go_castkit

// Field names shared by every component, so that the lines of a single
// device or protocol can be filtered across packages.
const (
	LogFieldDevice   = "device"
	LogFieldProtocol = "protocol"
)

// Logger is the logging facade of the library, a NullLogger is used
// wherever none is given.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	WithField(key string, value interface{}) Logger
	WithError(err error) Logger

	// WithDevice scopes the logger to a discovered device.
	WithDevice(deviceId string) Logger
	// WithProtocol scopes the logger to a control or discovery protocol.
	WithProtocol(pid ProtocolId) Logger
}

type NullLogger struct{}

func (l *NullLogger) Tracef(string, ...interface{}) {}
func (l *NullLogger) Debugf(string, ...interface{}) {}
func (l *NullLogger) Infof(string, ...interface{})  {}
func (l *NullLogger) Warnf(string, ...interface{})  {}
func (l *NullLogger) Errorf(string, ...interface{}) {}

func (l *NullLogger) Trace(...interface{}) {}
func (l *NullLogger) Debug(...interface{}) {}
func (l *NullLogger) Info(...interface{})  {}
func (l *NullLogger) Warn(...interface{})  {}
func (l *NullLogger) Error(...interface{}) {}

func (l *NullLogger) WithField(string, interface{}) Logger { return l }
func (l *NullLogger) WithError(error) Logger               { return l }
func (l *NullLogger) WithDevice(string) Logger             { return l }
func (l *NullLogger) WithProtocol(ProtocolId) Logger       { return l }
