/*
Package blobstore uploads finished archive files to cloud object storage.

A store is named by a URL of the form scheme://bucket/prefix; providers
are "s3" (AWS S3 and S3-compatible endpoints such as MinIO) and "gs"
(Google Cloud Storage). Credentials come from environment variables
named <PREFIX>_<PROVIDER>_<VARIABLE>, so the same binary can carry
distinct credentials per role:

	ARCHIVER_S3_ACCESS_KEY_ID
	ARCHIVER_S3_SECRET_ACCESS_KEY
	ARCHIVER_S3_REGION
	ARCHIVER_S3_ENDPOINT          (optional, enables path-style addressing)
	ARCHIVER_GS_CREDENTIALS_FILE  (optional, default credentials otherwise)

Uploads stream the local file; nothing is buffered in memory beyond the
SDK's part size.
*/
package blobstore
