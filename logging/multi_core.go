package logging

import "go.uber.org/zap/zapcore"

// newTee builds the console core and, when file is non-nil, a JSON file
// core. Each side is wrapped for redaction before they are joined.
func newTee(level zapcore.LevelEnabler, console, file zapcore.WriteSyncer, development bool) zapcore.Core {
	var consoleEnc zapcore.Encoder
	if development {
		consoleEnc = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEnc = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	cores := []zapcore.Core{
		redactCore{zapcore.NewCore(consoleEnc, console, level)},
	}
	if file != nil {
		cores = append(cores, redactCore{
			zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), file, level),
		})
	}
	return zapcore.NewTee(cores...)
}
