// Package logx configures autochirp's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON and rotates once it reaches a size cap
//   - Service.Apply swaps sinks and level at runtime (config hot reload)
package logx
