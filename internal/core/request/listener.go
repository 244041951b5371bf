package request

// Listener receives the lifecycle of a request. OnStart is called once, then
// exactly one of OnSuccess, OnError or OnCancel.
type Listener interface {
	OnStart(req *ImageRequest)
	OnSuccess(req *ImageRequest, info ImageInfo, from DataFrom)
	OnError(req *ImageRequest, err error)
	OnCancel(req *ImageRequest)
}

// ProgressListener is called while source bytes are transferred.
// total is -1 when the length is unknown.
type ProgressListener func(req *ImageRequest, total, completed int64)

// Listeners fans a callback out to every listener in registration order.
type Listeners []Listener

func (ls Listeners) OnStart(req *ImageRequest) {
	for _, l := range ls {
		l.OnStart(req)
	}
}

func (ls Listeners) OnSuccess(req *ImageRequest, info ImageInfo, from DataFrom) {
	for _, l := range ls {
		l.OnSuccess(req, info, from)
	}
}

func (ls Listeners) OnError(req *ImageRequest, err error) {
	for _, l := range ls {
		l.OnError(req, err)
	}
}

func (ls Listeners) OnCancel(req *ImageRequest) {
	for _, l := range ls {
		l.OnCancel(req)
	}
}

// ListenerFuncs implements Listener with optional callbacks.
type ListenerFuncs struct {
	Start   func(req *ImageRequest)
	Success func(req *ImageRequest, info ImageInfo, from DataFrom)
	Error   func(req *ImageRequest, err error)
	Cancel  func(req *ImageRequest)
}

func (f ListenerFuncs) OnStart(req *ImageRequest) {
	if f.Start != nil {
		f.Start(req)
	}
}

func (f ListenerFuncs) OnSuccess(req *ImageRequest, info ImageInfo, from DataFrom) {
	if f.Success != nil {
		f.Success(req, info, from)
	}
}

func (f ListenerFuncs) OnError(req *ImageRequest, err error) {
	if f.Error != nil {
		f.Error(req, err)
	}
}

func (f ListenerFuncs) OnCancel(req *ImageRequest) {
	if f.Cancel != nil {
		f.Cancel(req)
	}
}

// ReportProgress calls every progress listener of req.
func ReportProgress(req *ImageRequest, total, completed int64) {
	for _, l := range req.progressListeners {
		l(req, total, completed)
	}
}
