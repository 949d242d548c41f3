package main

import (
	"github.com/spf13/pflag"
)

// bind ties a flag to a viper key. Flags only override configuration when
// set on the command line.
func bind(f *pflag.Flag, key string) {
	if f == nil {
		panic("flag for " + key + " is not defined")
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
