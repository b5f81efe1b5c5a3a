// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/meshtap/pkg/plugin"
	"firestige.xyz/meshtap/plugins/reporter/console"
	"firestige.xyz/meshtap/plugins/reporter/file"
	"firestige.xyz/meshtap/plugins/reporter/kafka"
)

func init() {
	plugin.RegisterReporter("console", console.NewConsoleReporter)
	plugin.RegisterReporter("file", file.NewFileReporter)
	plugin.RegisterReporter("kafka", kafka.NewKafkaReporter)
}
