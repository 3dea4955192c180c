// Package weaver moves the string literals of a module into an encrypted
// resource and rewrites every literal load into a call to a generated
// lookup routine.
//
// A weave runs these steps once per module:
//
//   - Scan finds every LDSTR whose UTF-8 length is inside the configured
//     range, grouped by method body.
//   - Build lays the literals out in one byte buffer and assigns each an
//     (offset, length, slot) triple, either per occurrence or per distinct
//     value.
//   - The accessor step adds two static fields to <Module> (a lazy cell
//     holding the decoded buffer and a slot cache array), the lookup
//     routine CryptGet_<id> and the module initializer code that creates
//     both fields.
//   - The rewrite step turns each LDSTR into LDC_I4 offset, LDC_I4 length,
//     LDC_I4 slot, CALL CryptGet_<id>. The LDSTR node itself becomes the
//     first load, so branches and handler boundaries that pointed at it
//     still do.
//   - The buffer is encrypted with AES-128-CBC under a key derived from
//     fresh random input and stored as the private resource data-<id>,
//     followed by the decode routine CryptInit_<id> that reads it back.
//
// Every generated name shares one build id, so repeated weaves of the same
// module never collide.
package weaver
