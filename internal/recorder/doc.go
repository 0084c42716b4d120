// Package recorder はカメラごとの録画セッションのライフサイクルを担う
//
// # 責務
// - カメラデバイスの排他的な録画制御（取得・開始・停止・解放）
// - デバイス障害のリトライとクールダウン管理
// - セッション記録の生成とレジストリへの反映
// - 起動時の中断録画の検出と確定
//
// # 仕様
// - カメラごとの状態機械: Idle -> Starting -> Recording -> Stopping -> Idle
//   回復不能な障害で Faulted へ遷移し、クールダウン後に Idle へ戻る
// - Begin / End インテントは冪等（重複配信されても二重録画しない）
// - デバイス取得は指数バックオフ付きの有限リトライ
// - 録画中のファイルは .part 拡張子で書き、確定時にリネームする
// - 中断録画の再開は決して行わない（破損した連結を避けるため）
//
// # 前提要件
//   - ffmpeg: V4L2デバイスからの録画に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
package recorder
