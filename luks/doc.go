/*
Package luks manages LUKS2 encrypted containers through cryptsetup(8).

Keys are raw byte strings passed to cryptsetup on stdin (`--key-file -`), so
they never appear in the process table or in error messages. The key length
decides the cipher key size: a 64-byte key formats an aes-xts-plain64
container with a 512-bit key.

# Metadata

Informational data about a vault is kept inside the LUKS2 header as a
"user" token:

	{
	  "type": "user",
	  "keyslots": [],
	  "user_data": {"metadata": "{\"vault\":\"alpha\",\"key_bits\":512,...}"}
	}

Tokens are readable without the key, so nothing secret is ever stored there.
*/
package luks
