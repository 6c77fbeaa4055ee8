package message

import "github.com/chronologos/goremote/internal/packet"

// FileEntry is one row of a directory listing. Version -1 marks a directory.
type FileEntry struct {
	Name    string
	Version int64
}

// DirVersion is the listing version reported for directories.
const DirVersion = -1

// Chunk is one piece of a file in transit.
type Chunk struct {
	FileLength  int64
	FileVersion int64
	TotalChunks int64
	ChunkIndex  int64
	ChunkData   []byte
}

// DefaultChunk returns a chunk holding the documented defaults.
func DefaultChunk() Chunk {
	return Chunk{
		FileLength:  DefaultFileLength,
		FileVersion: DefaultFileVersion,
		TotalChunks: DefaultTotalChunks,
		ChunkIndex:  DefaultChunkIndex,
		ChunkData:   []byte{},
	}
}

func (c Chunk) stamp(p *packet.Packet) {
	p.Metadata.
		Set(KeyChunkIndex, c.ChunkIndex).
		Set(KeyTotalChunks, c.TotalChunks).
		Set(KeyFileVersion, c.FileVersion).
		Set(KeyFileLength, c.FileLength)
	data := c.ChunkData
	if data == nil {
		data = []byte{}
	}
	p.Content.SetData(data)
}

func chunkFrom(p *packet.Packet) Chunk {
	return Chunk{
		FileLength:  metaInt(p, KeyFileLength, DefaultFileLength),
		FileVersion: metaInt(p, KeyFileVersion, DefaultFileVersion),
		TotalChunks: metaInt(p, KeyTotalChunks, DefaultTotalChunks),
		ChunkIndex:  metaInt(p, KeyChunkIndex, DefaultChunkIndex),
		ChunkData:   contentBytes(p),
	}
}

// --- FILE_LIST ---

type FileListRequest struct {
	Request
	Path string
}

func NewFileListRequest(path string, opts ...Option) *FileListRequest {
	return &FileListRequest{Request: Request{newBase(opts)}, Path: path}
}

func (m *FileListRequest) Type() string { return TypeFileList }

func (m *FileListRequest) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Content.SetData(m.Path)
	return p
}

func FileListRequestFromPacket(p *packet.Packet) *FileListRequest {
	return &FileListRequest{
		Request: Request{baseFrom(p)},
		Path:    contentString(p, DefaultFilePath),
	}
}

type FileListResponse struct {
	Response
	Entries []FileEntry
}

func NewFileListResponse(entries []FileEntry, opts ...Option) *FileListResponse {
	return &FileListResponse{Response: Response{newBase(opts)}, Entries: entries}
}

func (m *FileListResponse) Type() string { return TypeFileList }

func (m *FileListResponse) ToPacket() *packet.Packet {
	p := envelope(m)
	rows := make([]any, 0, len(m.Entries))
	for _, e := range m.Entries {
		rows = append(rows, []any{e.Name, e.Version})
	}
	p.Content.SetData(rows)
	return p
}

// FileListResponseFromPacket skips rows that are not [name, version] pairs.
func FileListResponseFromPacket(p *packet.Packet) *FileListResponse {
	m := &FileListResponse{Response: Response{baseFrom(p)}, Entries: []FileEntry{}}
	for _, row := range contentList(p) {
		pair, ok := row.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		name, ok := pair[0].(string)
		if !ok {
			continue
		}
		version, ok := packet.ToInt64(pair[1])
		if !ok {
			continue
		}
		m.Entries = append(m.Entries, FileEntry{Name: name, Version: version})
	}
	return m
}

// --- RETRIEVE_FILE ---

type RetrieveFileRequest struct {
	Request
	Path string
}

func NewRetrieveFileRequest(path string, opts ...Option) *RetrieveFileRequest {
	return &RetrieveFileRequest{Request: Request{newBase(opts)}, Path: path}
}

func (m *RetrieveFileRequest) Type() string { return TypeRetrieveFile }

func (m *RetrieveFileRequest) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Content.SetData(m.Path)
	return p
}

func RetrieveFileRequestFromPacket(p *packet.Packet) *RetrieveFileRequest {
	return &RetrieveFileRequest{
		Request: Request{baseFrom(p)},
		Path:    contentString(p, DefaultFilePath),
	}
}

type RetrieveFileResponse struct {
	Response
	Chunk
}

func NewRetrieveFileResponse(c Chunk, opts ...Option) *RetrieveFileResponse {
	return &RetrieveFileResponse{Response: Response{newBase(opts)}, Chunk: c}
}

func (m *RetrieveFileResponse) Type() string { return TypeRetrieveFile }

func (m *RetrieveFileResponse) ToPacket() *packet.Packet {
	p := envelope(m)
	m.Chunk.stamp(p)
	return p
}

func RetrieveFileResponseFromPacket(p *packet.Packet) *RetrieveFileResponse {
	return &RetrieveFileResponse{Response: Response{baseFrom(p)}, Chunk: chunkFrom(p)}
}

// --- UPDATE_FILE_START ---

type UpdateFileStartRequest struct {
	Request
	Path        string
	FileVersion int64
}

func NewUpdateFileStartRequest(path string, version int64, opts ...Option) *UpdateFileStartRequest {
	return &UpdateFileStartRequest{Request: Request{newBase(opts)}, Path: path, FileVersion: version}
}

func (m *UpdateFileStartRequest) Type() string { return TypeUpdateFileStart }

func (m *UpdateFileStartRequest) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Metadata.Set(KeyFileVersion, m.FileVersion)
	p.Content.SetData(m.Path)
	return p
}

func UpdateFileStartRequestFromPacket(p *packet.Packet) *UpdateFileStartRequest {
	return &UpdateFileStartRequest{
		Request:     Request{baseFrom(p)},
		Path:        contentString(p, DefaultFilePath),
		FileVersion: metaInt(p, KeyFileVersion, DefaultFileVersion),
	}
}

type UpdateFileStartResponse struct {
	Response
	Path        string
	FileVersion int64
}

func NewUpdateFileStartResponse(path string, version int64, opts ...Option) *UpdateFileStartResponse {
	return &UpdateFileStartResponse{Response: Response{newBase(opts)}, Path: path, FileVersion: version}
}

func (m *UpdateFileStartResponse) Type() string { return TypeUpdateFileStart }

func (m *UpdateFileStartResponse) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Metadata.Set(KeyFileVersion, m.FileVersion)
	p.Content.SetData(m.Path)
	return p
}

func UpdateFileStartResponseFromPacket(p *packet.Packet) *UpdateFileStartResponse {
	return &UpdateFileStartResponse{
		Response:    Response{baseFrom(p)},
		Path:        contentString(p, DefaultFilePath),
		FileVersion: metaInt(p, KeyFileVersion, DefaultFileVersion),
	}
}

// --- UPDATE_FILE_DATA ---

type UpdateFileDataRequest struct {
	Request
	Chunk
}

func NewUpdateFileDataRequest(c Chunk, opts ...Option) *UpdateFileDataRequest {
	return &UpdateFileDataRequest{Request: Request{newBase(opts)}, Chunk: c}
}

func (m *UpdateFileDataRequest) Type() string { return TypeUpdateFileData }

func (m *UpdateFileDataRequest) ToPacket() *packet.Packet {
	p := envelope(m)
	m.Chunk.stamp(p)
	return p
}

func UpdateFileDataRequestFromPacket(p *packet.Packet) *UpdateFileDataRequest {
	return &UpdateFileDataRequest{Request: Request{baseFrom(p)}, Chunk: chunkFrom(p)}
}

// UpdateFileDataResponse acknowledges chunks. ChunksReceived is cumulative.
type UpdateFileDataResponse struct {
	Response
	FileVersion    int64
	TotalChunks    int64
	ChunksReceived int64
}

func NewUpdateFileDataResponse(version, total, received int64, opts ...Option) *UpdateFileDataResponse {
	return &UpdateFileDataResponse{
		Response:       Response{newBase(opts)},
		FileVersion:    version,
		TotalChunks:    total,
		ChunksReceived: received,
	}
}

func (m *UpdateFileDataResponse) Type() string { return TypeUpdateFileData }

func (m *UpdateFileDataResponse) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Metadata.
		Set(KeyFileVersion, m.FileVersion).
		Set(KeyTotalChunks, m.TotalChunks)
	p.Content.SetData(m.ChunksReceived)
	return p
}

func UpdateFileDataResponseFromPacket(p *packet.Packet) *UpdateFileDataResponse {
	return &UpdateFileDataResponse{
		Response:       Response{baseFrom(p)},
		FileVersion:    metaInt(p, KeyFileVersion, DefaultFileVersion),
		TotalChunks:    metaInt(p, KeyTotalChunks, DefaultTotalChunks),
		ChunksReceived: contentInt(p, DefaultChunksReceived),
	}
}

// --- FILE_CHANGED ---

// FileChangedBroadcast announces a new version of a file.
type FileChangedBroadcast struct {
	Broadcast
	Path        string
	FileVersion int64
	FileLength  int64
}

func NewFileChangedBroadcast(path string, version, length int64, opts ...Option) *FileChangedBroadcast {
	return &FileChangedBroadcast{
		Broadcast:   Broadcast{newBase(opts)},
		Path:        path,
		FileVersion: version,
		FileLength:  length,
	}
}

func (m *FileChangedBroadcast) Type() string { return TypeFileChanged }

func (m *FileChangedBroadcast) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Metadata.
		Set(KeyFileVersion, m.FileVersion).
		Set(KeyFileLength, m.FileLength)
	p.Content.SetData(m.Path)
	return p
}

func FileChangedBroadcastFromPacket(p *packet.Packet) *FileChangedBroadcast {
	return &FileChangedBroadcast{
		Broadcast:   Broadcast{baseFrom(p)},
		Path:        contentString(p, DefaultFilePath),
		FileVersion: metaInt(p, KeyFileVersion, DefaultFileVersion),
		FileLength:  metaInt(p, KeyFileLength, DefaultFileLength),
	}
}
