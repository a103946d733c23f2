package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"collabkit.dev/collabkit/auth"
	"collabkit.dev/collabkit/internal/jsonvalue"
)

// WasmHandler adapts a compiled WASM module into a Handler, so a room can
// register an untrusted, sandboxed function implementation rather than a
// native Go closure. A fresh store/module/instance is built per call,
// reading and writing through the module's exported "memory".
//
// The module must export:
//   - memory: a WASM linear memory
//   - alloc(len int32) int32: reserve len bytes, returning the pointer
//   - handle(argsPtr, argsLen int32) int64: process the JSON args written at
//     argsPtr and return a packed (resultPtr<<32 | resultLen) value
type WasmHandler struct {
	engine *wasmer.Engine
	code   []byte
}

// NewWasmHandler compiles nothing eagerly; code is compiled fresh on every
// invocation so concurrent calls never share mutable WASM instance state.
func NewWasmHandler(engine *wasmer.Engine, code []byte) *WasmHandler {
	return &WasmHandler{engine: engine, code: code}
}

// Handle implements Handler by instantiating the module, writing args as
// JSON into its linear memory, invoking "handle", and decoding the result
// back into a jsonvalue.Value.
func (w *WasmHandler) Handle(ctx context.Context, room RoomAccessor, principal auth.Principal, args jsonvalue.Value) (jsonvalue.Value, error) {
	select {
	case <-ctx.Done():
		return jsonvalue.Value{}, ctx.Err()
	default:
	}

	store := wasmer.NewStore(w.engine)
	mod, err := wasmer.NewModule(store, w.code)
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("functions: wasm compile: %w", err)
	}
	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(mod, importObject)
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("functions: wasm instantiate: %w", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return jsonvalue.Value{}, errors.New("functions: wasm memory export missing")
	}
	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return jsonvalue.Value{}, errors.New("functions: wasm alloc export missing")
	}
	handle, err := instance.Exports.GetFunction("handle")
	if err != nil {
		return jsonvalue.Value{}, errors.New("functions: wasm handle export missing")
	}

	payload, err := json.Marshal(args.ToAny())
	if err != nil {
		return jsonvalue.Value{}, err
	}

	ptrAny, err := alloc(int32(len(payload)))
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("functions: wasm alloc: %w", err)
	}
	ptr, ok := ptrAny.(int32)
	if !ok {
		return jsonvalue.Value{}, errors.New("functions: wasm alloc returned unexpected type")
	}
	copy(mem.Data()[ptr:int(ptr)+len(payload)], payload)

	packedAny, err := handle(ptr, int32(len(payload)))
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("functions: wasm handle: %w", err)
	}
	packed, ok := packedAny.(int64)
	if !ok {
		return jsonvalue.Value{}, errors.New("functions: wasm handle returned unexpected type")
	}
	resultPtr := int32(packed >> 32)
	resultLen := int32(packed & 0xffffffff)

	raw := make([]byte, resultLen)
	copy(raw, mem.Data()[resultPtr:int(resultPtr)+int(resultLen)])

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return jsonvalue.Value{}, fmt.Errorf("functions: wasm result decode: %w", err)
	}
	return jsonvalue.FromAny(decoded)
}
