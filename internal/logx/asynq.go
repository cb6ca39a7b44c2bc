package logx

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AsynqLogger routes asynq's internal logging into the global zerolog logger.
// It satisfies asynq.Logger.
type AsynqLogger struct{}

func (AsynqLogger) Debug(args ...interface{}) { emit(zerolog.DebugLevel, args) }
func (AsynqLogger) Info(args ...interface{})  { emit(zerolog.InfoLevel, args) }
func (AsynqLogger) Warn(args ...interface{})  { emit(zerolog.WarnLevel, args) }
func (AsynqLogger) Error(args ...interface{}) { emit(zerolog.ErrorLevel, args) }

// Fatal logs and exits the process, as asynq expects.
func (AsynqLogger) Fatal(args ...interface{}) {
	log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func emit(lvl zerolog.Level, args []interface{}) {
	log.WithLevel(lvl).Str("component", "asynq").Msg(fmt.Sprint(args...))
}
