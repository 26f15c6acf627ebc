package wasmtest

var (
	none  = []ValType{}
	i32   = []ValType{I32}
	i32x2 = []ValType{I32, I32}
)

// handler starts a builder with one page of memory and the host imports
// named, in order. The returned map gives each import's function index.
func handler(names ...string) (*Builder, map[string]uint32) {
	sigs := map[string][2][]ValType{
		"request_len":     {none, i32},
		"request_read":    {i32x2, i32},
		"request_method":  {i32x2, i32},
		"request_path":    {i32x2, i32},
		"request_header":  {{I32, I32, I32, I32}, i32},
		"response_status": {i32, none},
		"response_header": {{I32, I32, I32, I32}, none},
		"response_write":  {i32x2, none},
		"response_send":   {none, none},
		"log":             {i32x2, none},
		"wait_ms":         {i32, none},
	}
	b := NewBuilder()
	idx := make(map[string]uint32, len(names))
	for _, name := range names {
		sig, ok := sigs[name]
		if !ok {
			panic("wasmtest: unknown host function " + name)
		}
		idx[name] = b.Import("env", name, sig[0], sig[1])
	}
	b.Memory(1)
	return b, idx
}

func handle(b *Builder, code ...[]byte) []byte {
	b.Func("handle", none, i32, code...)
	return b.Bytes()
}

// Respond sets status, writes body and announces the response, then returns 0.
func Respond(status int32, body string) []byte {
	b, fn := handler("response_status", "response_write", "response_send")
	b.Data(0, []byte(body))
	return handle(b,
		I32Const(status), Call(fn["response_status"]),
		I32Const(0), I32Const(int32(len(body))), Call(fn["response_write"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// RespondWithHeader is Respond plus one response header.
func RespondWithHeader(status int32, key, value, body string) []byte {
	b, fn := handler("response_status", "response_header", "response_write", "response_send")
	kOff, vOff, bOff := int32(0), int32(len(key)), int32(len(key)+len(value))
	b.Data(0, []byte(key+value+body))
	return handle(b,
		I32Const(status), Call(fn["response_status"]),
		I32Const(kOff), I32Const(int32(len(key))), I32Const(vOff), I32Const(int32(len(value))),
		Call(fn["response_header"]),
		I32Const(bOff), I32Const(int32(len(body))), Call(fn["response_write"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// Echo copies the request body into the response.
func Echo() []byte {
	b, fn := handler("request_len", "request_read", "response_write", "response_send")
	return handle(b,
		I32Const(0),
		I32Const(0), Call(fn["request_len"]), Call(fn["request_read"]),
		Call(fn["response_write"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// EchoPath responds with the request path.
func EchoPath() []byte {
	b, fn := handler("request_path", "response_write", "response_send")
	return handle(b,
		I32Const(0),
		I32Const(0), I32Const(4096), Call(fn["request_path"]),
		Call(fn["response_write"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// EchoHeader responds with the value of request header name.
func EchoHeader(name string) []byte {
	b, fn := handler("request_header", "response_write", "response_send")
	b.Data(0, []byte(name))
	valOff := int32(1024)
	return handle(b,
		I32Const(valOff),
		I32Const(0), I32Const(int32(len(name))), I32Const(valOff), I32Const(1024), Call(fn["request_header"]),
		Call(fn["response_write"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// Counter keeps a counter in linear memory and responds with status
// 200+count, so a reused instance answers 202 on its second call.
func Counter() []byte {
	b, fn := handler("response_status", "response_send")
	return handle(b,
		I32Const(0),
		I32Const(0), Load(), I32Const(1), Op(OpI32Add),
		Store(),
		I32Const(0), Load(), I32Const(200), Op(OpI32Add),
		Call(fn["response_status"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// ErrorCode returns code without announcing a response.
func ErrorCode(code int32) []byte {
	b, _ := handler()
	return handle(b, I32Const(code))
}

// RespondThenError announces a response and then returns code.
func RespondThenError(status, code int32) []byte {
	b, fn := handler("response_status", "response_send")
	return handle(b,
		I32Const(status), Call(fn["response_status"]),
		Call(fn["response_send"]),
		I32Const(code),
	)
}

// Silent returns 0 without announcing a response.
func Silent() []byte {
	return ErrorCode(0)
}

// Trap executes unreachable.
func Trap() []byte {
	b, _ := handler()
	return handle(b, Op(OpUnreachable))
}

// RespondThenTrap announces status and then traps.
func RespondThenTrap(status int32) []byte {
	b, fn := handler("response_status", "response_send")
	return handle(b,
		I32Const(status), Call(fn["response_status"]),
		Call(fn["response_send"]),
		Op(OpUnreachable),
	)
}

// Spin loops forever.
func Spin() []byte {
	b, _ := handler()
	return handle(b, Forever(), I32Const(0))
}

// RespondThenSpin announces status and then loops forever.
func RespondThenSpin(status int32) []byte {
	b, fn := handler("response_status", "response_send")
	return handle(b,
		I32Const(status), Call(fn["response_status"]),
		Call(fn["response_send"]),
		Forever(),
		I32Const(0),
	)
}

// WaitThenRespond suspends on the host for ms milliseconds and then announces
// status.
func WaitThenRespond(ms, status int32) []byte {
	b, fn := handler("wait_ms", "response_status", "response_send")
	return handle(b,
		I32Const(ms), Call(fn["wait_ms"]),
		I32Const(status), Call(fn["response_status"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// Log writes line to the host log and announces an empty 200.
func Log(line string) []byte {
	b, fn := handler("log", "response_send")
	b.Data(0, []byte(line))
	return handle(b,
		I32Const(0), I32Const(int32(len(line))), Call(fn["log"]),
		Call(fn["response_send"]),
		I32Const(0),
	)
}

// OutOfBounds asks the host to read past the end of memory.
func OutOfBounds() []byte {
	b, fn := handler("response_write")
	return handle(b,
		I32Const(65530), I32Const(64), Call(fn["response_write"]),
		I32Const(0),
	)
}

// UnknownImport imports a capability the host does not provide.
func UnknownImport() []byte {
	b := NewBuilder()
	b.Import("env", "open_socket", none, i32)
	return handle(b, I32Const(0))
}

// ForeignImport imports from a module other than env and WASI.
func ForeignImport() []byte {
	b := NewBuilder()
	b.Import("host", "response_send", none, none)
	return handle(b, I32Const(0))
}

// BadSignature imports env.response_status with the wrong parameter type.
func BadSignature() []byte {
	b := NewBuilder()
	b.Import("env", "response_status", []ValType{I64}, none)
	return handle(b, I32Const(0))
}

// NoHandle exports a function under the wrong name.
func NoHandle() []byte {
	b := NewBuilder()
	b.Func("main", none, i32, I32Const(0))
	return b.Bytes()
}

// BadHandleType exports handle with a parameter.
func BadHandleType() []byte {
	b := NewBuilder()
	b.Func("handle", i32, i32, I32Const(0))
	return b.Bytes()
}

// Garbage is not a WebAssembly module.
func Garbage() []byte {
	return []byte("definitely not wasm")
}
