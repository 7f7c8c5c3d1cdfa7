package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 初始化全局 zerolog:dev 环境用彩色控制台输出,线上输出 JSON,
// 并带上副本标识方便多副本排查。
func Init(env, replicaID string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Str("replica", replicaID).Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("replica", replicaID).Logger()
}
