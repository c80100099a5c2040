package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

func writeMemProfile(path string) {
	if path == "" {
		return
	}
	f, err := os.Create(path)
	xcheckf(err, "creating memory profile")
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing memory profile: %v", err)
		}
	}()
	runtime.GC()
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}

// profile starts a CPU profile if cpuPath is set. The returned function stops
// it and writes a memory profile if memPath is set.
func profile(cpuPath, memPath string) func() {
	if cpuPath == "" {
		return func() { writeMemProfile(memPath) }
	}
	f, err := os.Create(cpuPath)
	xcheckf(err, "creating cpu profile")
	err = pprof.StartCPUProfile(f)
	xcheckf(err, "starting cpu profile")
	return func() {
		pprof.StopCPUProfile()
		if err := f.Close(); err != nil {
			log.Printf("closing cpu profile: %v", err)
		}
		writeMemProfile(memPath)
	}
}

func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "creating trace file")
	err = trace.Start(f)
	xcheckf(err, "starting trace")
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "closing trace file")
	}
}
