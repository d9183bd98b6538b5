package policy

// factSchema declares the candidate predicates the gate asserts and the
// deny predicate rules derive. It is prepended to every ruleset, so policy
// files carry only rules.
const factSchema = `
Decl file_name(Name).
Decl file_ext(Ext).
Decl media_type(Type).
Decl source(Source).
Decl size_bytes(Size).
Decl deny(Reason).
`

// DefaultRules returns the admission rules used when no policy file exists.
// The text doubles as the template for a custom .dossier/policy.gl.
func DefaultRules() string {
	return `# Ingestion admission rules.
#
# Each candidate file is asserted as five facts before evaluation:
#
#   file_name(Name)     display name, lowercased ("q3 report.pdf")
#   file_ext(Ext)       extension with dot, lowercased (".pdf", "" when none)
#   media_type(Type)    media type without parameters, lowercased
#   source(Source)      connector name: "drive", "gcs", "local", "email",
#                       "fileshare", "research"
#   size_bytes(Size)    declared size in bytes, 0 when unknown
#
# Derive deny(Reason) to block a file. A file no rule denies is admitted.
# A custom rules file replaces this set, it does not extend it.

# Native executables and libraries.
deny("executable content") :- media_type("application/x-msdownload").
deny("executable content") :- media_type("application/x-executable").
deny("executable content") :- media_type("application/x-sharedlib").
deny("executable content") :- media_type("application/vnd.microsoft.portable-executable").
deny("executable content") :- file_ext(".exe").
deny("executable content") :- file_ext(".dll").
deny("executable content") :- file_ext(".so").
deny("executable content") :- file_ext(".dylib").
deny("executable content") :- file_ext(".msi").

# Archives are rejected whole. Expand them upstream and ingest the members.
deny("archive content") :- media_type("application/zip").
deny("archive content") :- media_type("application/x-tar").
deny("archive content") :- media_type("application/gzip").
deny("archive content") :- media_type("application/x-7z-compressed").
deny("archive content") :- media_type("application/x-rar-compressed").
deny("archive content") :- file_ext(".zip").
deny("archive content") :- file_ext(".tar").
deny("archive content") :- file_ext(".gz").
deny("archive content") :- file_ext(".tgz").
deny("archive content") :- file_ext(".rar").
deny("archive content") :- file_ext(".7z").

# Disk and firmware images.
deny("disk image") :- file_ext(".iso").
deny("disk image") :- file_ext(".dmg").
deny("disk image") :- file_ext(".vmdk").

# Key material must never enter the corpus.
deny("key material") :- file_ext(".pem").
deny("key material") :- file_ext(".key").
deny("key material") :- file_ext(".p12").
deny("key material") :- file_ext(".pfx").
deny("key material") :- file_ext(".keystore").
deny("key material") :- file_name(".env").
deny("key material") :- file_name("id_rsa").
deny("key material") :- file_name("id_ed25519").

# Anything past 50 MiB is too large to chunk usefully.
deny("file exceeds 52428800 bytes") :- size_bytes(Size), Size > 52428800.
`
}
