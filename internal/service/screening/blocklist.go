package screening

import (
	"regexp"

	"github.com/codrlabs/codr/internal/domain"
)

// blockedKeywords lists per-language tokens whose presence in normalized
// source rejects the submission. Matching is case-insensitive substring.
var blockedKeywords = map[domain.Language][]string{
	domain.LangPython: {
		"os.", "sys.", "__import__", "open(", "eval(", "exec(", "shutil.", "pickle.",
		"subprocess.", "socket.", "http.", "urllib.", "globals(", "locals(", "compile(",
		"ctypes.", "multiprocessing.", "threading.", "import os", "import sys",
		"getattr(", "setattr(", "delattr(", "__builtins__",
	},
	domain.LangJavaScript: {
		"child_process", "fs.", "process.", "require('fs')", `require("fs")`,
		"eval(", "Function(", "WebSocket", "XMLHttpRequest", "fetch(",
		"import(", "import ", "export ", "window.", "document.", "localStorage",
		"indexedDB", "WebAssembly", "Worker",
	},
	domain.LangTypeScript: {
		"child_process", "fs.", "process.", "require('fs')", `require("fs")`,
		"eval(", "Function(", "WebSocket", "XMLHttpRequest", "fetch(",
		"import(", "import ", "export ", "window.", "document.", "localStorage",
		"indexedDB", "WebAssembly", "Worker",
	},
	domain.LangJava: {
		"java.io", "java.net", "Runtime.getRuntime()", "ProcessBuilder", "System.exit",
		"java.nio", "FileInputStream", "FileOutputStream", "Runtime.", "Process.",
		"System.load(", "System.loadLibrary(", "UNIXProcess", "ProcessImpl",
	},
	domain.LangCPP: {
		"system(", "popen(", "fopen(", "fwrite(", "fread(", "socket(", "connect(",
		"exec(", "fork(", "unistd.h", "sys/socket.h", "pthread_", "std::filesystem",
		"dlopen(", "dlsym(", "syscall(", "asm(", "inline assembly",
	},
	domain.LangC: {
		"system(", "popen(", "fopen(", "fwrite(", "fread(", "socket(", "connect(",
		"exec(", "fork(", "unistd.h", "sys/socket.h", "pthread_",
		"dlopen(", "dlsym(", "syscall(", "asm(", "inline assembly",
	},
	domain.LangGo: {
		"os/exec", "syscall.", "net.", "http.", "io/ioutil", "unsafe.", "plugin.",
		"exec.Command", "os.Open", "os.Create", "syscall.Exec", "syscall.ForkExec",
	},
	domain.LangRust: {
		"std::fs::", "std::process::", "std::net::", "std::os::", "std::env::",
		"unsafe {", "libc::", "std::mem::transmute", "std::ptr::", "std::ffi::CString",
	},
}

// blockedPatterns are language-independent regexes rejected in any
// submission. The hypervisor-related entries guard the host the sandboxes
// run on.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)import\s+\S+\s*$`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)Function\s*\(`),
	regexp.MustCompile(`\\x[0-9a-fA-F]{2}`),
	regexp.MustCompile(`\\u[0-9a-fA-F]{4}`),
	regexp.MustCompile(`(?i)fromCharCode\s*\(`),
	regexp.MustCompile(`(?i)process\s*\.\s*env`),
	regexp.MustCompile(`(?i)<\s*script\s*>`),
	regexp.MustCompile("`\\s*\\\\{.*?\\\\}\\s*`"),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i)system\s*\(`),
	regexp.MustCompile(`(?i)Runtime\s*\.\s*exec\s*\(`),
	regexp.MustCompile(`(?i)kvm`),
	regexp.MustCompile(`(?i)virt`),
	regexp.MustCompile(`(?i)/dev/kvm`),
	regexp.MustCompile(`(?i)mount`),
	regexp.MustCompile(`(?i)firecracker`),
}
